// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package core drives the engine: the Scheduler runs the simulation stages
// and renders the previous scene while the next one is constructed, and Run
// paces iterations until the Controller quits.
package core

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/v2/cache"
)

// Context carries the engine wide services. It is created at startup and
// handed to every stage through the Controller; the Cache it holds must
// outlive every Handle taken from it.
type Context struct {
	Cache  *cache.Cache
	Log    log.FieldLogger
	Config Configuration
}

// NewContext creates a context with a fresh cache, logging through l.
func NewContext(cfg Configuration, l log.FieldLogger) *Context {
	if l == nil {
		l = log.StandardLogger()
	}
	return &Context{
		Cache:  cache.New(cache.WithLogger(l)),
		Log:    l,
		Config: cfg,
	}
}

// PanicError is returned by Iterate when a stage or the renderer panicked.
type PanicError struct {
	// Task names the task that panicked: "stages", "render" or "scene".
	Task  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprint(e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
