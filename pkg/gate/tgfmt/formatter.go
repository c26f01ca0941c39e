// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tgfmt converts Telegram message entities to Slack mrkdwn.
package tgfmt

import (
	"sort"
	"strings"
	"unicode/utf16"
)

// Entity is a formatting span of a Telegram message. Offset and Length are
// measured in UTF-16 code units, as the Bot API reports them.
type Entity struct {
	Type   string
	Offset int
	Length int
	URL    string
}

var markers = map[string]string{
	"bold":          "*",
	"italic":        "_",
	"strikethrough": "~",
	"code":          "`",
}

func supported(typ string) bool {
	if _, ok := markers[typ]; ok {
		return true
	}
	return typ == "pre" || typ == "text_link"
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Escape replaces the characters Slack treats as control sequences.
func Escape(text string) string {
	return escaper.Replace(text)
}

// Parse renders text with its entities as Slack mrkdwn. Nested or
// overlapping entities keep only the outermost span. Unsupported entity
// types are rendered as plain text.
func Parse(text string, entities []Entity) string {
	if text == "" {
		return ""
	}
	units := utf16.Encode([]rune(text))

	spans := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if !supported(e.Type) || e.Offset < 0 || e.Length <= 0 || e.Offset+e.Length > len(units) {
			continue
		}
		spans = append(spans, e)
	}
	if len(spans) == 0 {
		return escaper.Replace(text)
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Offset != spans[j].Offset {
			return spans[i].Offset < spans[j].Offset
		}
		return spans[i].Length > spans[j].Length
	})

	var b strings.Builder
	pos := 0
	for _, e := range spans {
		if e.Offset < pos {
			continue
		}
		b.WriteString(escaper.Replace(decode(units[pos:e.Offset])))
		b.WriteString(render(e, decode(units[e.Offset:e.Offset+e.Length])))
		pos = e.Offset + e.Length
	}
	b.WriteString(escaper.Replace(decode(units[pos:])))
	return b.String()
}

func decode(units []uint16) string {
	return string(utf16.Decode(units))
}

func render(e Entity, inner string) string {
	switch e.Type {
	case "pre":
		return "```\n" + escaper.Replace(strings.Trim(inner, "\n")) + "\n```"
	case "text_link":
		if e.URL == "" {
			return escaper.Replace(inner)
		}
		return "<" + e.URL + "|" + escaper.Replace(inner) + ">"
	}

	// Slack only renders a marker that hugs the text, so surrounding
	// whitespace moves outside of it.
	trimmed := strings.TrimSpace(inner)
	if trimmed == "" {
		return escaper.Replace(inner)
	}
	lead := inner[:strings.Index(inner, trimmed)]
	trail := inner[len(lead)+len(trimmed):]
	marker := markers[e.Type]
	return lead + marker + escaper.Replace(trimmed) + marker + trail
}
