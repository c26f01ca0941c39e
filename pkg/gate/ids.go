// Copyright 2024-2026 Aiku AI

package gate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTelegramMessageID parses a Telegram message id. Ids are positive.
func ParseTelegramMessageID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram message id %q: %w", s, err)
	} else if id <= 0 {
		return 0, fmt.Errorf("invalid telegram message id %q", s)
	}
	return id, nil
}

// FormatTelegramMessageID is the inverse of ParseTelegramMessageID.
func FormatTelegramMessageID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseTelegramChatID parses a Telegram chat id. Group and channel ids are
// negative, so only zero is rejected.
func ParseTelegramChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", s, err)
	} else if id == 0 {
		return 0, fmt.Errorf("invalid telegram chat id %q", s)
	}
	return id, nil
}

// FormatTelegramChatID is the inverse of ParseTelegramChatID.
func FormatTelegramChatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseSlackTS converts a Slack message timestamp ("1700000000.123456")
// to a time.
func ParseSlackTS(ts string) (time.Time, error) {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slack ts %q: %w", ts, err)
	}
	var usec int64
	if fracPart != "" {
		if len(fracPart) > 6 {
			fracPart = fracPart[:6]
		}
		fracPart += strings.Repeat("0", 6-len(fracPart))
		usec, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid slack ts %q: %w", ts, err)
		}
	}
	return time.Unix(sec, usec*int64(time.Microsecond)), nil
}

// threadRoot returns the ts that identifies the Slack thread a message
// lives in: the parent's ts for thread replies, the message's own ts
// otherwise.
func threadRoot(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}
