// Copyright 2024-2026 Aiku AI

package gate

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/imhassla/slack-telegram-gate/pkg/gate/tgfmt"
)

// ErrUnsupportedContent is returned by the decoders for messages the gate
// cannot relay, such as stickers, polls or empty messages.
var ErrUnsupportedContent = errors.New("unsupported message content")

// Platform identifies where an event originated.
type Platform string

const (
	PlatformSlack    Platform = "slack"
	PlatformTelegram Platform = "telegram"
)

// Event is an inbound message normalized at the platform boundary.
type Event struct {
	Origin Platform
	// ChatID is the Slack channel id or the Telegram chat id.
	ChatID string
	// MessageID is the Slack ts or the Telegram message id.
	MessageID string
	// ReplyTo is the Slack thread_ts or the id of the Telegram message
	// being replied to. Empty for top-level messages.
	ReplyTo string
	// SecondaryID is the id of the first file attached to a Slack message.
	SecondaryID string

	SenderID   string
	SenderName string
	// SenderTag is the sender's @username on Telegram.
	SenderTag string
	// BotID is set for Slack messages posted by an app.
	BotID   string
	Subtype string

	Content   Content
	Timestamp time.Time
}

func (e *Event) MarshalZerologObject(z *zerolog.Event) {
	z.Str("origin", string(e.Origin)).
		Str("chat_id", e.ChatID).
		Str("message_id", e.MessageID)
	if e.ReplyTo != "" {
		z.Str("reply_to", e.ReplyTo)
	}
	if e.SecondaryID != "" {
		z.Str("secondary_id", e.SecondaryID)
	}
	if e.Subtype != "" {
		z.Str("subtype", e.Subtype)
	}
	if e.Content != nil {
		z.Str("content", e.Content.contentKind())
	}
}

// Content is the payload of an Event. It is implemented by *TextContent,
// *MediaContent and *FileShareContent.
type Content interface {
	contentKind() string
}

type TextContent struct {
	Text string
	// Entities are the Telegram formatting spans of Text.
	Entities []tgfmt.Entity
}

func (*TextContent) contentKind() string { return "text" }

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
	MediaVoice     MediaKind = "voice"
)

// MediaContent is a Telegram message carrying a file.
type MediaContent struct {
	Kind MediaKind
	// FileRef is the Telegram file_id.
	FileRef  string
	FileName string
	Caption  string
}

func (c *MediaContent) contentKind() string { return string(c.Kind) }

// SlackFile is a file attached to a Slack message.
type SlackFile struct {
	ID          string
	Name        string
	Title       string
	MimeType    string
	DownloadURL string
	Size        int
}

// FileShareContent is a Slack message carrying one or more files.
type FileShareContent struct {
	Files []SlackFile
	Text  string
}

func (*FileShareContent) contentKind() string { return "file_share" }
