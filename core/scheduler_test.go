// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/koru/v2/core"
)

type scene struct {
	id     int
	values []int
}

func newController() *core.Controller {
	return core.NewController(core.NewContext(core.DefaultConfiguration(), nil))
}

func sceneMaker() func() scene {
	var next int
	return func() scene {
		s := scene{id: next}
		next++
		return s
	}
}

func noop(*core.Controller) error { return nil }

func TestIteratePipelinesScenes(t *testing.T) {
	c := qt.New(t)

	var rendered []int
	sched := core.NewScheduler(sceneMaker(), func(s scene) error {
		rendered = append(rendered, s.id)
		return nil
	})
	sched.AddStage(core.NewStage(noop))
	c.Assert(sched.Current().id, qt.Equals, 0)

	c.Assert(sched.Iterate(newController()), qt.IsNil)
	c.Assert(sched.Previous().id, qt.Equals, 0)
	c.Assert(sched.Current().id, qt.Equals, 1)

	c.Assert(sched.Iterate(newController()), qt.IsNil)
	c.Assert(sched.Previous().id, qt.Equals, 1)
	c.Assert(sched.Current().id, qt.Equals, 2)

	// The initial scene is rendered first, then every built scene in order.
	c.Assert(rendered, qt.DeepEquals, []int{0, 1})
}

func TestStageErrorJoinsRender(t *testing.T) {
	c := qt.New(t)

	var renders int32
	sched := core.NewScheduler(sceneMaker(), func(scene) error {
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&renders, 1)
		return nil
	})
	sched.AddStage(core.NewStage(func(*core.Controller) error {
		return errors.New("boom")
	}))

	err := sched.Iterate(newController())
	c.Assert(err, qt.ErrorMatches, "boom")
	c.Assert(atomic.LoadInt32(&renders), qt.Equals, int32(1))
}

func TestStagePanicIsRecovered(t *testing.T) {
	c := qt.New(t)

	var renders int32
	sched := core.NewScheduler(sceneMaker(), func(scene) error {
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&renders, 1)
		return nil
	})
	sched.AddStage(core.NewStage(func(*core.Controller) error {
		panic("boom")
	}))

	err := sched.Iterate(newController())
	c.Assert(err, qt.ErrorMatches, "boom")
	var perr *core.PanicError
	c.Assert(errors.As(err, &perr), qt.IsTrue)
	c.Assert(perr.Task, qt.Equals, "stages")
	c.Assert(perr.Stack, qt.Not(qt.HasLen), 0)
	c.Assert(atomic.LoadInt32(&renders), qt.Equals, int32(1))
}

func TestStageErrorTakesPrecedence(t *testing.T) {
	c := qt.New(t)

	stageErr := errors.New("stage failed")
	sched := core.NewScheduler(sceneMaker(), func(scene) error {
		return errors.New("render failed")
	})
	sched.AddStage(core.NewStage(func(*core.Controller) error {
		time.Sleep(20 * time.Millisecond)
		return stageErr
	}))
	c.Assert(sched.Iterate(newController()), qt.Equals, stageErr)

	only := core.NewScheduler(sceneMaker(), func(scene) error {
		panic(errors.New("render exploded"))
	})
	err := only.Iterate(newController())
	c.Assert(err, qt.ErrorMatches, "render exploded")
	var perr *core.PanicError
	c.Assert(errors.As(err, &perr), qt.IsTrue)
	c.Assert(perr.Task, qt.Equals, "render")
}

func TestStagesRunInOrder(t *testing.T) {
	c := qt.New(t)

	var order []string
	step := func(name string) core.System {
		return func(*core.Controller) error {
			order = append(order, name)
			return nil
		}
	}
	failing := func(*core.Controller) error { return errors.New("stop") }

	sched := core.NewScheduler(sceneMaker(), func(scene) error { return nil })
	sched.AddStage(core.NewStage())
	c.Assert(sched.Empty(), qt.IsTrue)

	sched.AddStage(core.NewStage(step("input"), step("physics")))
	sched.AddStage(core.NewStage().With(step("animation")).With(failing).With(step("never")))
	sched.AddStage(core.NewStage(step("late")))
	c.Assert(sched.Empty(), qt.IsFalse)

	c.Assert(sched.Iterate(newController()), qt.ErrorMatches, "stop")
	c.Assert(order, qt.DeepEquals, []string{"input", "physics", "animation"})
}

func TestPreviousSceneIsFrozen(t *testing.T) {
	c := qt.New(t)

	var next int
	makeScene := func() *scene {
		s := &scene{id: next, values: make([]int, 64)}
		for i := range s.values {
			s.values[i] = next
		}
		next++
		time.Sleep(5 * time.Millisecond)
		return s
	}
	var changed atomic.Bool
	render := func(s *scene) error {
		if s == nil {
			return nil
		}
		snapshot := append([]int(nil), s.values...)
		id := s.id
		time.Sleep(10 * time.Millisecond)
		if s.id != id {
			changed.Store(true)
		}
		for i := range snapshot {
			if s.values[i] != snapshot[i] {
				changed.Store(true)
			}
		}
		return nil
	}

	sched := core.NewScheduler(makeScene, render)
	sched.AddStage(core.NewStage(noop))
	ctrl := newController()
	for i := 0; i < 5; i++ {
		c.Assert(sched.Iterate(ctrl), qt.IsNil)
		c.Assert(sched.Current(), qt.Not(qt.Equals), sched.Previous())
	}
	c.Assert(changed.Load(), qt.IsFalse)
}

func TestScenePanicKeepsScenes(t *testing.T) {
	c := qt.New(t)

	calls := 0
	sched := core.NewScheduler(func() scene {
		calls++
		if calls == 2 {
			panic("out of ideas")
		}
		return scene{id: calls}
	}, func(scene) error { return nil })

	err := sched.Iterate(newController())
	var perr *core.PanicError
	c.Assert(errors.As(err, &perr), qt.IsTrue)
	c.Assert(perr.Task, qt.Equals, "scene")
	c.Assert(sched.Previous().id, qt.Equals, 1)
	c.Assert(sched.Current().id, qt.Equals, 0)
}
