// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package asset locates the bytes of engine resources. Assets are addressed
// by slash separated names and may come from a directory, a kar archive or a
// packr box; an Overlay stacks several of them.
package asset

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobuffalo/packr"
	"golang.org/x/exp/mmap"

	"github.com/devblok/koru/v2/utility/kar"
)

// Source provides asset contents by name.
type Source interface {

	// ReadFile returns the contents of the named asset. Missing assets
	// return an error wrapping fs.ErrNotExist.
	ReadFile(name string) ([]byte, error)

	// Has reports whether the named asset exists.
	Has(name string) bool

	// Names lists every asset, sorted.
	Names() ([]string, error)

	// Locate returns a stable location string for name, suitable for
	// deriving cache identifiers.
	Locate(name string) string
}

func notExist(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

func clean(name string) (string, bool) {
	name = path.Clean(filepath.ToSlash(name))
	return name, fs.ValidPath(name) && name != "."
}

// DirSource reads assets from a directory tree.
type DirSource struct {
	root string
}

// Dir creates a source rooted at root.
func Dir(root string) *DirSource {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &DirSource{root: root}
}

// Root returns the absolute directory the source reads from.
func (d *DirSource) Root() string {
	return d.root
}

func (d *DirSource) path(name string) (string, bool) {
	name, ok := clean(name)
	if !ok {
		return "", false
	}
	return filepath.Join(d.root, filepath.FromSlash(name)), true
}

// ReadFile reads the named file below the root.
func (d *DirSource) ReadFile(name string) ([]byte, error) {
	p, ok := d.path(name)
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrInvalid}
	}
	return os.ReadFile(p)
}

// Has reports whether name is a regular file below the root.
func (d *DirSource) Has(name string) bool {
	p, ok := d.path(name)
	if !ok {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func (d *DirSource) hasDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// Names walks the root and lists every regular file.
func (d *DirSource) Names() ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Locate returns the absolute path of name.
func (d *DirSource) Locate(name string) string {
	if p, ok := d.path(name); ok {
		return p
	}
	return filepath.Join(d.root, name)
}

// ArchiveSource serves assets from a memory mapped kar archive.
type ArchiveSource struct {
	path    string
	mapping *mmap.ReaderAt
	archive *kar.Archive
}

// OpenArchive memory maps the kar archive at path.
func OpenArchive(p string) (*ArchiveSource, error) {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	r, err := mmap.Open(p)
	if err != nil {
		return nil, err
	}
	ar, err := kar.Open(r)
	if err != nil {
		r.Close()
		return nil, &fs.PathError{Op: "open", Path: p, Err: err}
	}
	return &ArchiveSource{path: p, mapping: r, archive: ar}, nil
}

// Archive returns the underlying archive.
func (a *ArchiveSource) Archive() *kar.Archive {
	return a.archive
}

// ReadFile decompresses the named file.
func (a *ArchiveSource) ReadFile(name string) ([]byte, error) {
	if n, ok := clean(name); ok {
		name = n
	}
	return a.archive.ReadAll(name)
}

// Has reports whether the archive indexes name.
func (a *ArchiveSource) Has(name string) bool {
	n, ok := clean(name)
	if !ok {
		return false
	}
	_, err := a.archive.Stat(n)
	return err == nil
}

// Names lists the archive index.
func (a *ArchiveSource) Names() ([]string, error) {
	return a.archive.Names(), nil
}

// Locate returns "<archive path>!<name>".
func (a *ArchiveSource) Locate(name string) string {
	if n, ok := clean(name); ok {
		name = n
	}
	return a.path + "!" + name
}

// Close unmaps the archive. Readers obtained earlier become invalid.
func (a *ArchiveSource) Close() error {
	return a.mapping.Close()
}

// BoxSource serves assets embedded with packr.
type BoxSource struct {
	box packr.Box
}

// Box wraps a packr box.
func Box(box packr.Box) *BoxSource {
	return &BoxSource{box: box}
}

// ReadFile returns the named file from the box.
func (b *BoxSource) ReadFile(name string) ([]byte, error) {
	n, ok := clean(name)
	if !ok || !b.box.Has(n) {
		return nil, notExist("read", name)
	}
	return b.box.Find(n)
}

// Has reports whether the box holds name.
func (b *BoxSource) Has(name string) bool {
	n, ok := clean(name)
	return ok && b.box.Has(n)
}

// Names lists the box contents.
func (b *BoxSource) Names() ([]string, error) {
	names := b.box.List()
	for i := range names {
		names[i] = filepath.ToSlash(names[i])
	}
	sort.Strings(names)
	return names, nil
}

// Locate returns "box:<box path>/<name>".
func (b *BoxSource) Locate(name string) string {
	if n, ok := clean(name); ok {
		name = n
	}
	return "box:" + strings.TrimSuffix(filepath.ToSlash(b.box.Path), "/") + "/" + name
}

// Overlay searches its sources in order, the first one holding an asset
// wins.
type Overlay []Source

func (o Overlay) find(name string) Source {
	for _, s := range o {
		if s.Has(name) {
			return s
		}
	}
	return nil
}

// ReadFile reads name from the first source that has it.
func (o Overlay) ReadFile(name string) ([]byte, error) {
	s := o.find(name)
	if s == nil {
		return nil, notExist("read", name)
	}
	return s.ReadFile(name)
}

// Has reports whether any source has name.
func (o Overlay) Has(name string) bool {
	return o.find(name) != nil
}

// Names merges the names of every source.
func (o Overlay) Names() ([]string, error) {
	seen := make(map[string]struct{})
	var names []string
	var errs []error
	for _, s := range o {
		list, err := s.Names()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, n := range list {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names, errors.Join(errs...)
}

// Locate returns the location in the source that has name, or in the
// first source when none has it.
func (o Overlay) Locate(name string) string {
	if s := o.find(name); s != nil {
		return s.Locate(name)
	}
	if len(o) > 0 {
		return o[0].Locate(name)
	}
	return name
}
