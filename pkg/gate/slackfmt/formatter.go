// Copyright 2024-2026 Aiku AI

// Package slackfmt converts Slack mrkdwn to plain text for Telegram.
package slackfmt

import (
	"html"
	"regexp"
	"strings"
)

// linkRe matches Slack's angle-bracket control sequences: <target> or
// <target|label>.
var linkRe = regexp.MustCompile(`<([^<>|]+)(?:\|([^<>]*))?>`)

var specialMentions = map[string]string{
	"!here":     "@here",
	"!channel":  "@channel",
	"!everyone": "@everyone",
}

// Parse converts Slack mrkdwn to plain text. Links become "label (url)",
// channel references become "#name", special mentions become "@here" and
// friends. User mentions are kept verbatim.
func Parse(text string) string {
	if text == "" {
		return ""
	}
	if !strings.ContainsAny(text, "<&") {
		return text
	}

	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		target, label := parts[1], parts[2]
		switch {
		case strings.HasPrefix(target, "@"):
			return match
		case strings.HasPrefix(target, "#"):
			if label != "" {
				return "#" + label
			}
			return target
		case strings.HasPrefix(target, "!subteam^"):
			if label != "" {
				return label
			}
			return "@group"
		case strings.HasPrefix(target, "!date^"):
			if label != "" {
				return label
			}
			return match
		case strings.HasPrefix(target, "!"):
			if mention, ok := specialMentions[target]; ok {
				return mention
			}
			if label != "" {
				return label
			}
			return "@" + strings.TrimPrefix(target, "!")
		}

		target = html.UnescapeString(target)
		if strings.HasPrefix(target, "mailto:") {
			addr := strings.TrimPrefix(target, "mailto:")
			if label == "" || label == addr {
				return addr
			}
			return label + " (" + addr + ")"
		}
		if label == "" || label == target {
			return target
		}
		return label + " (" + target + ")"
	})

	return html.UnescapeString(text)
}
