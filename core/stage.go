// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

// System is one unit of simulation work.
type System func(c *Controller) error

// Stage is an ordered list of systems.
type Stage struct {
	systems []System
}

// NewStage creates a stage running systems in the given order.
func NewStage(systems ...System) Stage {
	return Stage{systems: append([]System(nil), systems...)}
}

// With returns a copy of s with sys appended.
func (s Stage) With(sys System) Stage {
	return Stage{systems: append(append([]System(nil), s.systems...), sys)}
}

// Empty reports whether s has no systems.
func (s Stage) Empty() bool {
	return len(s.systems) == 0
}

// Run executes the systems in order, stopping at the first error.
func (s Stage) Run(c *Controller) error {
	for _, sys := range s.systems {
		if err := sys(c); err != nil {
			return err
		}
	}
	return nil
}
