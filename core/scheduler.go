// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerConfig)

type schedulerConfig struct {
	log log.FieldLogger
}

// WithSchedulerLogger sets the logger used by the scheduler.
func WithSchedulerLogger(l log.FieldLogger) SchedulerOption {
	return func(c *schedulerConfig) {
		c.log = l
	}
}

// Scheduler runs one simulation and render iteration per Iterate call with
// a latency of one iteration: the scene built during iteration i is
// rendered during iteration i+1.
type Scheduler[S any] struct {
	makeScene func() S
	render    func(S) error
	stages    []Stage
	log       log.FieldLogger

	current  S
	previous S
}

// NewScheduler creates a scheduler. makeScene is called once right away to
// produce the initial scene, which the first Iterate renders. The other
// slot starts as the zero value of S and is never rendered.
func NewScheduler[S any](makeScene func() S, render func(S) error, options ...SchedulerOption) *Scheduler[S] {
	cfg := schedulerConfig{log: log.StandardLogger()}
	for _, opt := range options {
		opt(&cfg)
	}
	return &Scheduler[S]{
		makeScene: makeScene,
		render:    render,
		log:       cfg.log.WithField("component", "scheduler"),
		current:   makeScene(),
	}
}

// AddStage appends stage to the stages run every iteration. Empty stages
// are dropped.
func (s *Scheduler[S]) AddStage(stage Stage) {
	if stage.Empty() {
		s.log.Debug("dropping empty stage")
		return
	}
	s.stages = append(s.stages, stage)
}

// Empty reports whether no stage was registered.
func (s *Scheduler[S]) Empty() bool {
	return len(s.stages) == 0
}

// Current returns the scene built by the last iteration.
func (s *Scheduler[S]) Current() S {
	return s.current
}

// Previous returns the scene rendered by the last iteration.
func (s *Scheduler[S]) Previous() S {
	return s.previous
}

// Iterate swaps the scenes, then runs the stages and renders the previous
// scene on two goroutines while the next scene is constructed on the
// calling one. It returns once all three are done. A stage error takes
// precedence over a render error; panics are returned as *PanicError.
func (s *Scheduler[S]) Iterate(c *Controller) error {
	s.previous, s.current = s.current, s.previous

	var (
		wg        sync.WaitGroup
		stageErr  error
		renderErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		stageErr = protect("stages", func() error {
			for _, stage := range s.stages {
				if err := stage.Run(c); err != nil {
					return err
				}
			}
			return nil
		})
	}()
	go func(scene S) {
		defer wg.Done()
		renderErr = protect("render", func() error {
			return s.render(scene)
		})
	}(s.previous)

	var next S
	sceneErr := protect("scene", func() error {
		next = s.makeScene()
		return nil
	})
	wg.Wait()

	if sceneErr == nil {
		s.current = next
	}
	switch {
	case stageErr != nil:
		return stageErr
	case renderErr != nil:
		return renderErr
	}
	return sceneErr
}

func protect(task string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Task: task, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
