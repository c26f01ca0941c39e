// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/imhassla/slack-telegram-gate/pkg/correlation"
)

// Lookup is the read side of the correlation store.
type Lookup interface {
	GetSlackTS(ctx context.Context, telegramMessageID int64, project string) (string, bool, error)
	GetTelegramMessageID(ctx context.Context, slackTS, project string) (int64, bool, error)
}

// Submitter queues mapping writes.
type Submitter interface {
	Submit(m correlation.Mapping) *correlation.Pending
}

// Drainer waits until queued mapping writes have been applied.
type Drainer interface {
	AwaitDrained(ctx context.Context) error
}

var (
	_ Lookup    = (*correlation.Store)(nil)
	_ Submitter = (*correlation.Serializer)(nil)
	_ Drainer   = (*correlation.Barrier)(nil)
)

// Resolver decides which thread or message an inbound event links to and
// records the links created by relayed messages.
type Resolver struct {
	lookup    Lookup
	submitter Submitter
	drainer   Drainer
	log       zerolog.Logger

	// SecondaryDelay is how long RepairFromFileShare waits before looking up
	// the file id, giving the upload that produced it time to be recorded.
	SecondaryDelay time.Duration
}

func NewResolver(lookup Lookup, submitter Submitter, drainer Drainer, log zerolog.Logger) *Resolver {
	return &Resolver{
		lookup:         lookup,
		submitter:      submitter,
		drainer:        drainer,
		log:            log.With().Str("component", "resolver").Logger(),
		SecondaryDelay: DefaultSecondaryLookupDelay,
	}
}

func (r *Resolver) logger(ctx context.Context) *zerolog.Logger {
	if log := zerolog.Ctx(ctx); log.GetLevel() != zerolog.Disabled {
		return log
	}
	return &r.log
}

// ReplyThread returns the Slack thread a Telegram reply belongs to, or ""
// if the replied-to message was never mirrored.
func (r *Resolver) ReplyThread(ctx context.Context, project string, replyToTelegramID int64) (string, error) {
	if err := r.drainer.AwaitDrained(ctx); err != nil {
		return "", fmt.Errorf("failed to wait for pending mappings: %w", err)
	}
	ts, found, err := r.lookup.GetSlackTS(ctx, replyToTelegramID, project)
	if err != nil {
		return "", err
	} else if !found {
		r.logger(ctx).Warn().
			Int64("reply_to", replyToTelegramID).
			Msg("No Slack thread for replied-to message, posting top-level")
		return "", nil
	}
	r.logger(ctx).Debug().
		Int64("reply_to", replyToTelegramID).
		Str("thread_ts", ts).
		Msg("Found Slack thread for reply")
	return ts, nil
}

// ReplyTarget returns the Telegram message a Slack thread reply should
// answer, or 0 if the thread was never mirrored.
func (r *Resolver) ReplyTarget(ctx context.Context, project, slackThreadTS string) (int64, error) {
	if err := r.drainer.AwaitDrained(ctx); err != nil {
		return 0, fmt.Errorf("failed to wait for pending mappings: %w", err)
	}
	id, found, err := r.lookup.GetTelegramMessageID(ctx, slackThreadTS, project)
	if err != nil {
		return 0, err
	} else if !found {
		r.logger(ctx).Debug().
			Str("thread_ts", slackThreadTS).
			Msg("No Telegram message for Slack thread, sending without reply")
		return 0, nil
	}
	return id, nil
}

// RepairFromFileShare re-links a Telegram message that was recorded under
// a Slack file id to the thread the file was actually posted in. It returns
// nil when there is nothing to repair.
func (r *Resolver) RepairFromFileShare(ctx context.Context, project string, evt *Event) (*correlation.Pending, error) {
	log := r.logger(ctx)
	if evt.SecondaryID == "" {
		log.Trace().Msg("No file in event, nothing to repair")
		return nil, nil
	}
	threadKey := threadRoot(evt.ReplyTo, evt.MessageID)
	if threadKey == "" {
		log.Debug().Str("file_id", evt.SecondaryID).Msg("File event has no ts, nothing to repair")
		return nil, nil
	}
	if r.SecondaryDelay > 0 {
		timer := time.NewTimer(r.SecondaryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	if err := r.drainer.AwaitDrained(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for pending mappings: %w", err)
	}
	id, found, err := r.lookup.GetTelegramMessageID(ctx, evt.SecondaryID, project)
	if err != nil {
		return nil, err
	} else if !found {
		log.Debug().Str("file_id", evt.SecondaryID).Msg("No Telegram message recorded for file")
		return nil, nil
	}
	log.Debug().
		Str("file_id", evt.SecondaryID).
		Int64("telegram_message_id", id).
		Str("thread_ts", threadKey).
		Msg("Linking mirrored upload to its Slack thread")
	return r.Record(project, id, threadKey), nil
}

// Record queues the link between a Telegram message and a Slack ts. The
// relay paths ignore the returned handle and rely on the drain barrier in
// ReplyThread; it is for callers that need this particular write applied,
// or its error, before they continue.
func (r *Resolver) Record(project string, telegramMessageID int64, slackTS string) *correlation.Pending {
	return r.submitter.Submit(correlation.Mapping{
		TelegramMessageID: telegramMessageID,
		SlackTS:           slackTS,
		Project:           project,
	})
}
