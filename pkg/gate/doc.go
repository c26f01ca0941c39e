// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gate relays messages between Slack channels and Telegram chats.
//
// Every configured project pairs one Slack channel with one Telegram chat.
// Inbound messages from either side are decoded into an [Event] at the
// boundary ([DecodeSlackEvent], [DecodeTelegramMessage]) and handed to
// [Gate.Dispatch], which handles each event on its own goroutine.
//
// # Threading
//
// Replies stay threaded across platforms through the correlation store
// (package correlation). The [Resolver] answers two questions per event:
// which Slack thread a Telegram reply belongs to, and which Telegram
// message a Slack thread reply should answer. After a successful send the
// new Telegram message id and the Slack thread ts are recorded.
//
// Media uploaded from Telegram to Slack is first recorded under the Slack
// file id, because the upload response does not carry the message ts. When
// Slack echoes the upload back as a file_share event, the resolver finds the
// Telegram message by that file id and re-links it to the real thread.
//
// # Configuration
//
// Projects are read from the channels block of config.yaml and can change
// at runtime. [ProjectRegistry] reloads them when the file changes and
// through the admin API (POST /api/reload-projects).
package gate
