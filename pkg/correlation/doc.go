// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package correlation persists the link between Telegram message IDs and
// Slack thread timestamps.
//
// [Store] is the durable table, keyed by (Telegram message ID, project).
// [Serializer] is its only writer: every mutation goes through Submit and is
// applied in order by one worker goroutine. [Barrier] lets readers wait
// until the worker has caught up before they look something up, which
// matters when an event refers to a mapping whose write is still queued.
package correlation
