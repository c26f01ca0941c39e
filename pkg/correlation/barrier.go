// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package correlation

import (
	"context"

	"go.mau.fi/util/exsync"
)

// Barrier reports whether the Serializer has applied everything submitted
// to it. It only answers "caught up as of some recent instant": a mapping
// submitted by another goroutine right after AwaitDrained returns is not
// covered. Use Pending.Wait to wait for one specific mapping.
type Barrier struct {
	idle *exsync.Event
}

// NewBarrier returns an idle barrier.
func NewBarrier() *Barrier {
	b := &Barrier{idle: exsync.NewEvent()}
	b.idle.Set()
	return b
}

func (b *Barrier) MarkBusy() {
	b.idle.Clear()
}

func (b *Barrier) MarkIdle() {
	b.idle.Set()
}

func (b *Barrier) Idle() bool {
	return b.idle.IsSet()
}

// AwaitDrained blocks until the serializer queue is empty or ctx is done.
// It returns immediately if the queue is already idle.
func (b *Barrier) AwaitDrained(ctx context.Context) error {
	return b.idle.Wait(ctx)
}
