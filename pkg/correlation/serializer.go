// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrSerializerClosed = errors.New("write serializer is closed")

const (
	defaultMaxAttempts  = 3
	defaultRetryDelay   = 200 * time.Millisecond
	defaultPollInterval = 3 * time.Second
)

// Writer is the write side of the correlation store.
type Writer interface {
	Upsert(ctx context.Context, m Mapping) error
}

// Pending is the completion handle of one submitted mapping.
type Pending struct {
	Mapping Mapping

	done chan struct{}
	err  error
}

func newPending(m Mapping) *Pending {
	return &Pending{Mapping: m, done: make(chan struct{})}
}

func (p *Pending) resolve(err error) {
	p.err = err
	close(p.done)
}

// Done is closed once the mapping has been applied or given up on.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the mapping has been applied and returns the write
// error, if any.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serializer applies mappings to a Writer one at a time, in submission
// order, on a single worker goroutine.
type Serializer struct {
	writer  Writer
	barrier *Barrier
	log     zerolog.Logger

	MaxAttempts  int
	RetryDelay   time.Duration
	PollInterval time.Duration

	mu      sync.Mutex
	queue   []*Pending
	closed  bool
	started bool

	wake    chan struct{}
	stopped chan struct{}
}

func NewSerializer(writer Writer, barrier *Barrier, log zerolog.Logger) *Serializer {
	return &Serializer{
		writer:       writer,
		barrier:      barrier,
		log:          log.With().Str("component", "write_serializer").Logger(),
		MaxAttempts:  defaultMaxAttempts,
		RetryDelay:   defaultRetryDelay,
		PollInterval: defaultPollInterval,
		wake:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
	}
}

// Start launches the worker. Cancelling ctx has the same effect as Stop
// except that nobody waits for the drain.
func (s *Serializer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.run(ctx)
}

// Submit queues m and returns immediately.
func (s *Serializer) Submit(m Mapping) *Pending {
	p := newPending(m)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn().Object("mapping", m).Msg("Dropping mapping submitted after shutdown")
		p.resolve(ErrSerializerClosed)
		return p
	}
	s.queue = append(s.queue, p)
	s.barrier.MarkBusy()
	s.mu.Unlock()
	s.notify()
	return p
}

// Len returns the number of queued mappings not yet picked up by the worker.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stop refuses further submissions and waits until everything already
// queued has been applied.
func (s *Serializer) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	started := s.started
	if !started {
		queued := s.queue
		s.queue = nil
		s.barrier.MarkIdle()
		s.mu.Unlock()
		for _, p := range queued {
			p.resolve(ErrSerializerClosed)
		}
		return nil
	}
	s.mu.Unlock()
	s.notify()
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("write serializer did not drain: %w", ctx.Err())
	}
}

func (s *Serializer) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Serializer) run(ctx context.Context) {
	defer close(s.stopped)
	writeCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	done := ctx.Done()
	s.log.Debug().Msg("Write serializer started")
	for {
		s.drain(writeCtx)
		s.mu.Lock()
		finished := s.closed && len(s.queue) == 0
		s.mu.Unlock()
		if finished {
			s.log.Debug().Msg("Write serializer stopped")
			return
		}
		select {
		case <-s.wake:
		case <-ticker.C:
		case <-done:
			done = nil
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
		}
	}
}

func (s *Serializer) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			// Flip to idle under the lock so a concurrent Submit cannot be
			// overwritten by a stale idle.
			s.barrier.MarkIdle()
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		s.log.Trace().Int("count", len(batch)).Msg("Applying queued mappings")
		for _, p := range batch {
			p.resolve(s.apply(ctx, p.Mapping))
		}
	}
}

func (s *Serializer) apply(ctx context.Context, m Mapping) error {
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.safeUpsert(ctx, m)
		if err == nil {
			s.log.Debug().Object("mapping", m).Msg("Mapping saved")
			return nil
		}
		if !isRetryable(err) || attempt == maxAttempts {
			break
		}
		s.log.Warn().Err(err).
			Object("mapping", m).
			Int("attempt", attempt).
			Msg("Failed to save mapping, retrying")
		time.Sleep(s.RetryDelay * time.Duration(attempt))
	}
	s.log.Error().Err(err).Object("mapping", m).Msg("Failed to save mapping")
	return err
}

func (s *Serializer) safeUpsert(ctx context.Context, m Mapping) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while saving mapping: %v", r)
		}
	}()
	return s.writer.Upsert(ctx, m)
}

func isRetryable(err error) bool {
	var re interface{ Retryable() bool }
	return errors.As(err, &re) && re.Retryable()
}
