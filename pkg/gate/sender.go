// Copyright 2024-2026 Aiku AI

package gate

import "context"

// File is a downloaded attachment.
type File struct {
	Name     string
	Data     []byte
	MimeType string
	// Title is shown above the file on Slack. Telegram ignores it.
	Title string
}

// Sender delivers messages to one platform. Returned ids are the Slack ts
// (or file id for uploads) and the decimal Telegram message id. threadRef
// is the Slack thread_ts or the Telegram message to reply to; empty means
// a top-level message.
type Sender interface {
	SendText(ctx context.Context, dest, text, threadRef string) (string, error)
	SendFile(ctx context.Context, dest string, file File, caption, threadRef string) (string, error)
	FetchFile(ctx context.Context, ref string) (File, error)
}

// SlackClient is a Sender bound to one Slack bot token.
type SlackClient interface {
	Sender
	// DisplayName returns the real name of a Slack user, or the username
	// when the real name is unset.
	DisplayName(ctx context.Context, userID string) (string, error)
}

// SlackClients hands out Slack clients by bot token.
type SlackClients interface {
	Client(token string) SlackClient
}

// BotIdentifier resolves the Slack user id of the bot owning a token.
type BotIdentifier interface {
	BotUserID(ctx context.Context, token string) (string, error)
}
