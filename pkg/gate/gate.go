// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gate

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

var ErrGateClosed = errors.New("gate is shutting down")

// Gate relays decoded events between Slack and Telegram.
type Gate struct {
	projects ProjectLookup
	resolver *Resolver
	telegram Sender
	slack    SlackClients
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	inFlight sync.WaitGroup
}

func New(projects ProjectLookup, resolver *Resolver, telegram Sender, slack SlackClients, log zerolog.Logger) *Gate {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		projects: projects,
		resolver: resolver,
		telegram: telegram,
		slack:    slack,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch handles evt on its own goroutine. It returns ErrGateClosed once
// Close has been called.
func (g *Gate) Dispatch(evt *Event) error {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return ErrGateClosed
	}
	g.inFlight.Add(1)
	g.mu.Unlock()
	go func() {
		defer g.inFlight.Done()
		g.HandleEvent(g.ctx, evt)
	}()
	return nil
}

// Close stops accepting events and waits for the ones in flight. When ctx
// expires first, the remaining handlers are cancelled.
func (g *Gate) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.inFlight.Wait()
		close(done)
	}()
	defer g.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event handlers did not finish: %w", ctx.Err())
	}
}

// HandleEvent relays a single event. Errors and panics are logged and do
// not escape.
func (g *Gate) HandleEvent(ctx context.Context, evt *Event) {
	log := g.log.With().Object("event", evt).Logger()
	ctx = log.WithContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Any("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Panic while handling event")
		}
	}()

	var err error
	switch evt.Origin {
	case PlatformTelegram:
		err = g.handleTelegram(ctx, evt)
	case PlatformSlack:
		err = g.handleSlack(ctx, evt)
	default:
		err = fmt.Errorf("unknown event origin %q", evt.Origin)
	}
	if errors.Is(err, ErrUnsupportedContent) {
		log.Debug().Err(err).Msg("Dropping unsupported event")
	} else if err != nil {
		log.Err(err).Msg("Failed to relay event")
	}
}

func (g *Gate) handleTelegram(ctx context.Context, evt *Event) error {
	log := zerolog.Ctx(ctx)
	chatID, err := ParseTelegramChatID(evt.ChatID)
	if err != nil {
		return err
	}
	project, ok := g.projects.FindByTelegramChat(chatID)
	if !ok {
		log.Warn().Msg("No project for Telegram chat, dropping message")
		return nil
	} else if !project.Active {
		log.Warn().Str("project", project.Name).Msg("Project is not active, dropping message")
		return nil
	}
	messageID, err := ParseTelegramMessageID(evt.MessageID)
	if err != nil {
		return err
	}

	var threadTS string
	if evt.ReplyTo != "" {
		replyTo, err := ParseTelegramMessageID(evt.ReplyTo)
		if err != nil {
			return err
		}
		threadTS, err = g.resolver.ReplyThread(ctx, project.Name, replyTo)
		if err != nil {
			return fmt.Errorf("failed to resolve reply thread: %w", err)
		}
	}

	slack := g.slack.Client(project.SlackBotToken)
	header := telegramHeader(evt)
	switch content := evt.Content.(type) {
	case *TextContent:
		ts, err := slack.SendText(ctx, project.SlackChannelID, formatForSlack(header, content), threadTS)
		if err != nil {
			return fmt.Errorf("failed to post message to Slack: %w", err)
		}
		log.Debug().Str("project", project.Name).Str("slack_ts", ts).Msg("Relayed Telegram message to Slack")
		g.resolver.Record(project.Name, messageID, threadRoot(threadTS, ts))
	case *MediaContent:
		file, err := g.telegram.FetchFile(ctx, content.FileRef)
		if err != nil {
			return fmt.Errorf("failed to download %s from Telegram: %w", content.Kind, err)
		}
		if content.FileName != "" {
			file.Name = content.FileName
		}
		file.Title = mediaTitle(content.Caption)
		fileID, err := slack.SendFile(ctx, project.SlackChannelID, file, header, threadTS)
		if err != nil {
			return fmt.Errorf("failed to upload %s to Slack: %w", content.Kind, err)
		}
		log.Debug().Str("project", project.Name).Str("file_id", fileID).Msg("Relayed Telegram media to Slack")
		// The upload only returns the file id. The real ts is linked when
		// Slack echoes the upload back.
		g.resolver.Record(project.Name, messageID, fileID)
	default:
		return fmt.Errorf("%w: %T from Telegram", ErrUnsupportedContent, evt.Content)
	}
	return nil
}

func (g *Gate) handleSlack(ctx context.Context, evt *Event) error {
	log := zerolog.Ctx(ctx)
	project, ok := g.projects.FindBySlackChannel(evt.ChatID)
	if !ok {
		log.Debug().Msg("No project for Slack channel, dropping message")
		return nil
	}

	// Runs for the gate's own upload echoes too: they carry the file id
	// the Telegram message was recorded under.
	if _, err := g.resolver.RepairFromFileShare(ctx, project.Name, evt); err != nil {
		log.Err(err).Str("project", project.Name).Msg("Failed to link upload to its thread")
	}

	if g.isOwnMessage(project, evt) {
		log.Debug().Str("project", project.Name).Msg("Skipping message sent by the gate")
		return nil
	} else if !relayedSubtype(evt.Subtype) {
		log.Debug().Str("project", project.Name).Msg("Skipping message subtype")
		return nil
	} else if !project.Active {
		log.Warn().Str("project", project.Name).Msg("Project is not active, dropping message")
		return nil
	}

	threadKey := threadRoot(evt.ReplyTo, evt.MessageID)
	var replyRef string
	if evt.ReplyTo != "" {
		replyTo, err := g.resolver.ReplyTarget(ctx, project.Name, evt.ReplyTo)
		if err != nil {
			return fmt.Errorf("failed to resolve reply target: %w", err)
		} else if replyTo != 0 {
			replyRef = FormatTelegramMessageID(replyTo)
		}
	}

	slack := g.slack.Client(project.SlackBotToken)
	header := slackHeader(g.displayName(ctx, slack, evt), evt.SenderID)
	dest := FormatTelegramChatID(project.TelegramChatID)
	switch content := evt.Content.(type) {
	case *TextContent:
		sentID, err := g.telegram.SendText(ctx, dest, formatForTelegram(header, content.Text), replyRef)
		if err != nil {
			return fmt.Errorf("failed to send message to Telegram: %w", err)
		}
		return g.recordTelegram(ctx, project.Name, sentID, threadKey)
	case *FileShareContent:
		caption := formatForTelegram(header, content.Text)
		var errs []error
		for _, f := range content.Files {
			if err := g.relaySlackFile(ctx, slack, f, dest, caption, replyRef, project.Name, threadKey); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("%w: %T from Slack", ErrUnsupportedContent, evt.Content)
	}
}

func (g *Gate) relaySlackFile(ctx context.Context, slack SlackClient, f SlackFile, dest, caption, replyRef, project, threadKey string) error {
	file, err := slack.FetchFile(ctx, f.DownloadURL)
	if err != nil {
		return fmt.Errorf("failed to download file %s from Slack: %w", f.ID, err)
	}
	if f.Name != "" {
		file.Name = f.Name
	}
	if f.MimeType != "" {
		file.MimeType = f.MimeType
	}
	sentID, err := g.telegram.SendFile(ctx, dest, file, caption, replyRef)
	if err != nil {
		return fmt.Errorf("failed to send file %s to Telegram: %w", f.ID, err)
	}
	return g.recordTelegram(ctx, project, sentID, threadKey)
}

func (g *Gate) recordTelegram(ctx context.Context, project, sentID, threadKey string) error {
	id, err := ParseTelegramMessageID(sentID)
	if err != nil {
		return fmt.Errorf("telegram returned an unusable message id: %w", err)
	}
	zerolog.Ctx(ctx).Debug().
		Str("project", project).
		Int64("telegram_message_id", id).
		Str("thread_ts", threadKey).
		Msg("Relayed Slack message to Telegram")
	g.resolver.Record(project, id, threadKey)
	return nil
}

func (g *Gate) displayName(ctx context.Context, slack SlackClient, evt *Event) string {
	if evt.SenderID == "" {
		return evt.SenderName
	}
	name, err := slack.DisplayName(ctx, evt.SenderID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("user_id", evt.SenderID).Msg("Failed to get Slack user info")
		return unknownSlackSender
	}
	return name
}

func (g *Gate) isOwnMessage(project Project, evt *Event) bool {
	switch {
	case project.BotUserID != "" && evt.SenderID == project.BotUserID:
		return true
	case evt.BotID != "" && (evt.SenderID == "" || project.BotUserID == ""):
		// Without a known bot user any app message may be an echo.
		return true
	}
	return false
}

func relayedSubtype(subtype string) bool {
	switch subtype {
	case "", "file_share", "thread_broadcast":
		return true
	default:
		return false
	}
}
