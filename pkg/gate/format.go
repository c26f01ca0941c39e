// Copyright 2024-2026 Aiku AI

package gate

import (
	"strings"

	"github.com/imhassla/slack-telegram-gate/pkg/gate/slackfmt"
	"github.com/imhassla/slack-telegram-gate/pkg/gate/tgfmt"
)

const (
	defaultMediaTitle  = "Media from Telegram"
	unknownSender      = "Unknown"
	unknownSlackSender = "Unknown User"
	maxTelegramCaption = 1024
	maxTelegramText    = 4096
	truncationSuffix   = "…"
)

// telegramHeader is the attribution line put above messages relayed to
// Slack, already escaped for mrkdwn.
func telegramHeader(evt *Event) string {
	name := evt.SenderName
	if name == "" {
		name = unknownSender
	}
	return tgfmt.Escape(name + " \n" + evt.SenderTag)
}

// slackHeader is the attribution line put above messages relayed to
// Telegram. The user mention is kept in Slack syntax.
func slackHeader(displayName, userID string) string {
	if displayName == "" {
		displayName = unknownSlackSender
	}
	return displayName + " \n<@" + userID + ">"
}

func formatForSlack(header string, content *TextContent) string {
	return header + "\n\n" + tgfmt.Parse(content.Text, content.Entities)
}

func formatForTelegram(header, text string) string {
	if text == "" {
		return header
	}
	return header + "\n\n" + slackfmt.Parse(text)
}

func mediaTitle(caption string) string {
	if caption = strings.TrimSpace(caption); caption != "" {
		return caption
	}
	return defaultMediaTitle
}

// truncate shortens s to at most limit UTF-16 code units, the unit
// Telegram counts message lengths in.
func truncate(s string, limit int) string {
	if utf16Len(s) <= limit {
		return s
	}
	units := 0
	for i, r := range s {
		n := runeUnits(r)
		if units+n > limit-1 {
			return s[:i] + truncationSuffix
		}
		units += n
	}
	return s
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

func runeUnits(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}
