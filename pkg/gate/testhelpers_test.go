// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/imhassla/slack-telegram-gate/pkg/correlation"
)

// memStore is an in-memory correlation store. It implements both Lookup and
// correlation.Writer so it can sit behind a real serializer.
type memStore struct {
	mu   sync.Mutex
	rows map[memKey]string

	// FailLookups makes every read return an error.
	FailLookups error
}

type memKey struct {
	id      int64
	project string
}

var (
	_ Lookup             = (*memStore)(nil)
	_ correlation.Writer = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{rows: make(map[memKey]string)}
}

func (m *memStore) Upsert(_ context.Context, mp correlation.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[memKey{mp.TelegramMessageID, mp.Project}] = mp.SlackTS
	return nil
}

func (m *memStore) GetSlackTS(_ context.Context, id int64, project string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailLookups != nil {
		return "", false, m.FailLookups
	}
	ts, ok := m.rows[memKey{id, project}]
	return ts, ok, nil
}

func (m *memStore) GetTelegramMessageID(_ context.Context, ts, project string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailLookups != nil {
		return 0, false, m.FailLookups
	}
	var found int64
	for k, v := range m.rows {
		if k.project == project && v == ts && (found == 0 || k.id < found) {
			found = k.id
		}
	}
	return found, found != 0, nil
}

func (m *memStore) put(id int64, ts, project string) {
	_ = m.Upsert(context.Background(), correlation.Mapping{TelegramMessageID: id, SlackTS: ts, Project: project})
}

func (m *memStore) get(id int64, project string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.rows[memKey{id, project}]
	return ts, ok
}

// sentMessage is one call to fakeSender.SendText or SendFile.
type sentMessage struct {
	Dest      string
	Text      string
	ThreadRef string
	File      *File
}

// fakeSender records outgoing messages and serves canned downloads.
type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	nextID int

	// textID and fileID build the id returned for the n-th send.
	textID func(n int) string
	fileID func(n int) string

	Files   map[string]File
	Names   map[string]string
	SendErr error
	NameErr error
}

var _ SlackClient = (*fakeSender)(nil)

func newFakeTelegram() *fakeSender {
	id := func(n int) string { return fmt.Sprint(100 + n) }
	return &fakeSender{textID: id, fileID: id, Files: make(map[string]File), Names: make(map[string]string)}
}

func newFakeSlack() *fakeSender {
	return &fakeSender{
		textID: func(n int) string { return fmt.Sprintf("1700000000.%06d", n) },
		fileID: func(n int) string { return fmt.Sprintf("F%03d", n) },
		Files:  make(map[string]File),
		Names:  make(map[string]string),
	}
}

func (f *fakeSender) SendText(_ context.Context, dest, text, threadRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{Dest: dest, Text: text, ThreadRef: threadRef})
	return f.textID(f.nextID), nil
}

func (f *fakeSender) SendFile(_ context.Context, dest string, file File, caption, threadRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{Dest: dest, Text: caption, ThreadRef: threadRef, File: &file})
	return f.fileID(f.nextID), nil
}

func (f *fakeSender) FetchFile(_ context.Context, ref string) (File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.Files[ref]
	if !ok {
		return File{}, fmt.Errorf("no file %q", ref)
	}
	return file, nil
}

func (f *fakeSender) DisplayName(_ context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NameErr != nil {
		return "", f.NameErr
	}
	return f.Names[userID], nil
}

func (f *fakeSender) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

// fakeSlackClients hands out the same fake for every token and records the
// tokens asked for.
type fakeSlackClients struct {
	client *fakeSender

	mu     sync.Mutex
	tokens []string
}

func (f *fakeSlackClients) Client(token string) SlackClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return f.client
}

// fakeIdentifier resolves bot user ids from a map.
type fakeIdentifier struct {
	mu    sync.Mutex
	users map[string]string
	calls int
}

func (f *fakeIdentifier) BotUserID(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	id, ok := f.users[token]
	if !ok {
		return "", errors.New("invalid_auth")
	}
	return id, nil
}

func (f *fakeIdentifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// staticProjects is a fixed ProjectLookup.
type staticProjects []Project

func (s staticProjects) FindBySlackChannel(channelID string) (Project, bool) {
	for _, p := range s {
		if p.SlackChannelID == channelID {
			return p, true
		}
	}
	return Project{}, false
}

func (s staticProjects) FindByTelegramChat(chatID int64) (Project, bool) {
	for _, p := range s {
		if p.TelegramChatID == chatID {
			return p, true
		}
	}
	return Project{}, false
}

func demoProject() Project {
	return Project{
		Name:           "demo",
		Active:         true,
		SlackChannelID: "C1",
		SlackBotToken:  "xoxb-demo",
		TelegramChatID: -1001,
		BotUserID:      "UBOT",
	}
}

// testGate wires a Gate to in-memory fakes and a real serializer.
type testGate struct {
	gate       *Gate
	resolver   *Resolver
	store      *memStore
	serializer *correlation.Serializer
	barrier    *correlation.Barrier
	telegram   *fakeSender
	slack      *fakeSender
	clients    *fakeSlackClients
}

func newTestGate(t *testing.T, projects ...Project) *testGate {
	t.Helper()
	if len(projects) == 0 {
		projects = []Project{demoProject()}
	}
	log := zerolog.Nop()
	store := newMemStore()
	barrier := correlation.NewBarrier()
	serializer := correlation.NewSerializer(store, barrier, log)
	serializer.RetryDelay = time.Millisecond
	serializer.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = serializer.Stop(ctx)
	})

	resolver := NewResolver(store, serializer, barrier, log)
	resolver.SecondaryDelay = 0
	tg := &testGate{
		resolver:   resolver,
		store:      store,
		serializer: serializer,
		barrier:    barrier,
		telegram:   newFakeTelegram(),
		slack:      newFakeSlack(),
	}
	tg.clients = &fakeSlackClients{client: tg.slack}
	tg.gate = New(staticProjects(projects), resolver, tg.telegram, tg.clients, log)
	return tg
}

// handle runs evt to completion and waits for its mappings to be written.
func (tg *testGate) handle(t *testing.T, evt *Event) {
	t.Helper()
	tg.gate.HandleEvent(context.Background(), evt)
	awaitDrained(t, tg.barrier)
}

func awaitDrained(t *testing.T, b *correlation.Barrier) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.AwaitDrained(ctx); err != nil {
		t.Fatalf("mappings were not written: %v", err)
	}
}

func telegramText(messageID, replyTo, text string) *Event {
	return &Event{
		Origin:     PlatformTelegram,
		ChatID:     "-1001",
		MessageID:  messageID,
		ReplyTo:    replyTo,
		SenderID:   "42",
		SenderName: "Ada Lovelace",
		SenderTag:  "@ada",
		Content:    &TextContent{Text: text},
	}
}

func slackText(ts, threadTS, user, text string) *Event {
	return &Event{
		Origin:    PlatformSlack,
		ChatID:    "C1",
		MessageID: ts,
		ReplyTo:   threadTS,
		SenderID:  user,
		Content:   &TextContent{Text: text},
	}
}
