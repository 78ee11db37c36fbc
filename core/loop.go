// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/v2/gfx"
)

// Iterator runs one engine iteration.
type Iterator interface {
	Iterate(c *Controller) error
}

// Run iterates at the pace of t until the controller quits or ctx is done.
// A failed device operation skips the frame with a warning; a lost device
// or any other error ends the loop and is returned.
func Run(ctx context.Context, c *Controller, it Iterator, t *Time) error {
	l := log.FieldLogger(log.StandardLogger())
	if c.Context() != nil && c.Context().Log != nil {
		l = c.Context().Log
	}
	l = l.WithField("component", "loop")

	var skipped int
	for c.Running() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.FpsTicker().C:
			c.Advance(now)
		}

		err := it.Iterate(c)
		if err == nil {
			continue
		}
		if gfx.IsFatal(err) {
			l.WithError(err).WithField("frame", c.Frame()).Error("device failure, stopping")
			return err
		}
		var devErr *gfx.DeviceError
		if errors.As(err, &devErr) {
			skipped++
			l.WithError(err).WithFields(log.Fields{
				"frame":   c.Frame(),
				"skipped": skipped,
			}).Warn("frame skipped")
			continue
		}
		return err
	}
	l.WithFields(log.Fields{
		"frames":  c.Frame(),
		"skipped": skipped,
	}).Info("loop exited")
	return nil
}

// RunFor is Run bounded by a duration, useful for headless runs.
func RunFor(d time.Duration, c *Controller, it Iterator, t *Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := Run(ctx, c, it, t)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
