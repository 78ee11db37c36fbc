// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package cache

import (
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
)

// ID identifies one logical resource: the same source loaded with the
// same parameters always hashes to the same ID.
type ID uint64

// NewID hashes the absolute path of a source file together with the load
// parameters that influence the produced resource.
func NewID(path string, params ...interface{}) ID {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return KeyID(filepath.ToSlash(path), params...)
}

// KeyID hashes an arbitrary key, such as a name inside an archive,
// together with load parameters.
func KeyID(key string, params ...interface{}) ID {
	h := fnv.New64a()
	io.WriteString(h, key)
	for _, p := range params {
		h.Write([]byte{0})
		fmt.Fprint(h, p)
	}
	return ID(h.Sum64())
}

func (id ID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}
