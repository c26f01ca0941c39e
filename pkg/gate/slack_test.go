// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack/slackevents"
)

const testSlackToken = "xoxb-good"

type slackCall struct {
	Method string
	Form   url.Values
}

// fakeSlackAPI serves the subset of the Slack Web API the gate uses.
type fakeSlackAPI struct {
	*httptest.Server

	mu       sync.Mutex
	calls    []slackCall
	uploaded map[string][]byte
}

func newFakeSlackAPI(t *testing.T) *fakeSlackAPI {
	t.Helper()
	api := &fakeSlackAPI{uploaded: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", api.handleMethod)
	mux.HandleFunc("/upload/", api.handleUpload)
	mux.HandleFunc("/files-pri/", api.handleDownload)
	api.Server = httptest.NewServer(mux)
	t.Cleanup(api.Close)
	return api
}

func (api *fakeSlackAPI) sender() *SlackSender {
	return NewSlackSender(testSlackToken, api.URL+"/api/", api.Client())
}

func (api *fakeSlackAPI) Calls(method string) []slackCall {
	api.mu.Lock()
	defer api.mu.Unlock()
	var out []slackCall
	for _, c := range api.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (api *fakeSlackAPI) handleMethod(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/api/")
	api.mu.Lock()
	api.calls = append(api.calls, slackCall{Method: method, Form: r.PostForm})
	api.mu.Unlock()

	if r.PostForm.Get("token") != testSlackToken {
		writeSlackJSON(w, map[string]any{"ok": false, "error": "invalid_auth"})
		return
	}
	switch method {
	case "chat.postMessage":
		writeSlackJSON(w, map[string]any{"ok": true, "channel": r.PostForm.Get("channel"), "ts": "1700000000.000100"})
	case "files.getUploadURLExternal":
		writeSlackJSON(w, map[string]any{"ok": true, "upload_url": api.URL + "/upload/F123", "file_id": "F123"})
	case "files.completeUploadExternal":
		var files []map[string]string
		_ = json.Unmarshal([]byte(r.PostForm.Get("files")), &files)
		writeSlackJSON(w, map[string]any{"ok": true, "files": files})
	case "auth.test":
		writeSlackJSON(w, map[string]any{"ok": true, "user_id": "UBOT", "bot_id": "B1"})
	case "users.info":
		switch r.PostForm.Get("user") {
		case "U1":
			writeSlackJSON(w, map[string]any{"ok": true, "user": map[string]any{"id": "U1", "name": "ada", "real_name": "Ada Lovelace"}})
		case "U2":
			writeSlackJSON(w, map[string]any{"ok": true, "user": map[string]any{"id": "U2", "name": "grace"}})
		case "U3":
			writeSlackJSON(w, map[string]any{"ok": true, "user": map[string]any{"id": "U3"}})
		default:
			writeSlackJSON(w, map[string]any{"ok": false, "error": "user_not_found"})
		}
	default:
		writeSlackJSON(w, map[string]any{"ok": false, "error": "unknown_method"})
	}
}

func (api *fakeSlackAPI) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	api.mu.Lock()
	api.uploaded[strings.TrimPrefix(r.URL.Path, "/upload/")] = data
	api.mu.Unlock()
	_, _ = w.Write([]byte("OK"))
}

func (api *fakeSlackAPI) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testSlackToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	_, _ = w.Write([]byte("%PDF-1.4"))
}

func writeSlackJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestSlackSenderSendText(t *testing.T) {
	api := newFakeSlackAPI(t)
	s := api.sender()

	ts, err := s.SendText(context.Background(), "C1", "hello", "")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ts != "1700000000.000100" {
		t.Errorf("ts: got %q", ts)
	}
	if _, err = s.SendText(context.Background(), "C1", "in thread", "1699999999.000001"); err != nil {
		t.Fatalf("SendText in thread: %v", err)
	}

	calls := api.Calls("chat.postMessage")
	if len(calls) != 2 {
		t.Fatalf("expected 2 chat.postMessage calls, got %d", len(calls))
	}
	if calls[0].Form.Get("channel") != "C1" || calls[0].Form.Get("text") != "hello" || calls[0].Form.Has("thread_ts") {
		t.Errorf("top-level post: %v", calls[0].Form)
	}
	if got := calls[1].Form.Get("thread_ts"); got != "1699999999.000001" {
		t.Errorf("thread_ts: got %q", got)
	}
}

func TestSlackSenderSendFile(t *testing.T) {
	api := newFakeSlackAPI(t)
	s := api.sender()

	file := File{Name: "photo.jpg", Data: []byte("jpeg bytes"), Title: "Media from Telegram"}
	id, err := s.SendFile(context.Background(), "C1", file, "header", "1699999999.000001")
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if id != "F123" {
		t.Errorf("file id: got %q, want F123", id)
	}

	urlCalls := api.Calls("files.getUploadURLExternal")
	if len(urlCalls) != 1 || urlCalls[0].Form.Get("filename") != "photo.jpg" || urlCalls[0].Form.Get("length") != strconv.Itoa(len(file.Data)) {
		t.Errorf("getUploadURLExternal: %+v", urlCalls)
	}
	api.mu.Lock()
	uploaded := string(api.uploaded["F123"])
	api.mu.Unlock()
	if uploaded != "jpeg bytes" {
		t.Errorf("uploaded bytes: got %q", uploaded)
	}
	complete := api.Calls("files.completeUploadExternal")
	if len(complete) != 1 {
		t.Fatalf("expected 1 completeUploadExternal call, got %d", len(complete))
	}
	form := complete[0].Form
	if form.Get("channel_id") != "C1" || form.Get("initial_comment") != "header" || form.Get("thread_ts") != "1699999999.000001" {
		t.Errorf("completeUploadExternal: %v", form)
	}
	if !strings.Contains(form.Get("files"), "Media from Telegram") {
		t.Errorf("title missing from files: %s", form.Get("files"))
	}
}

func TestSlackSenderFetchFile(t *testing.T) {
	api := newFakeSlackAPI(t)

	f, err := api.sender().FetchFile(context.Background(), api.URL+"/files-pri/T1-F1/report.pdf")
	if err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	if f.Name != "report.pdf" || string(f.Data) != "%PDF-1.4" {
		t.Errorf("file: %q %q", f.Name, f.Data)
	}

	bad := NewSlackSender("xoxb-other", api.URL+"/api/", api.Client())
	if _, err = bad.FetchFile(context.Background(), api.URL+"/files-pri/T1-F1/report.pdf"); err == nil {
		t.Error("expected an error for a rejected download")
	}
}

func TestSlackSenderDisplayName(t *testing.T) {
	api := newFakeSlackAPI(t)
	s := api.sender()

	tests := []struct {
		user    string
		want    string
		wantErr bool
	}{
		{"U1", "Ada Lovelace", false},
		{"U2", "grace", false},
		{"U3", unknownSlackSender, false},
		{"U404", "", true},
	}
	for _, tt := range tests {
		got, err := s.DisplayName(context.Background(), tt.user)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.user, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.user, got, tt.want)
		}
	}
}

func TestFileNameFromURL(t *testing.T) {
	tests := map[string]string{
		"https://files.slack.com/files-pri/T1-F1/report.pdf": "report.pdf",
		"https://files.slack.com/":                           "file",
		"https://files.slack.com":                            "file",
		"::not a url":                                        "file",
	}
	for in, want := range tests {
		if got := fileNameFromURL(in); got != want {
			t.Errorf("fileNameFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlackPool(t *testing.T) {
	api := newFakeSlackAPI(t)
	pool := NewSlackPool(api.URL+"/api/", api.Client())

	if pool.Client(testSlackToken) != pool.Client(testSlackToken) {
		t.Error("pool should reuse the client for a token")
	}
	id, err := pool.BotUserID(context.Background(), testSlackToken)
	if err != nil || id != "UBOT" {
		t.Errorf("BotUserID: got %q, %v", id, err)
	}
	if _, err = pool.BotUserID(context.Background(), "xoxb-revoked"); err == nil || !strings.Contains(err.Error(), "auth.test failed") {
		t.Errorf("expected auth.test error, got %v", err)
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (d *recordingDispatcher) Dispatch(evt *Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, evt)
	return nil
}

func (d *recordingDispatcher) Events() []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Event(nil), d.events...)
}

func postEvent(h http.Handler, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/slack/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func callbackBody(inner string) string {
	return `{"token":"t","team_id":"T1","api_app_id":"A1","type":"event_callback","event_id":"Ev1","event_time":1700000000,"event":` + inner + `}`
}

func TestSlackEventsURLVerification(t *testing.T) {
	h := NewSlackEventsHandler(&recordingDispatcher{}, "", zerolog.Nop())

	w := postEvent(h, `{"token":"t","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P","type":"url_verification"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp["challenge"] != "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P" {
		t.Errorf("challenge: got %q", resp["challenge"])
	}
}

func TestSlackEventsDispatchesMessage(t *testing.T) {
	d := &recordingDispatcher{}
	h := NewSlackEventsHandler(d, "", zerolog.Nop())

	w := postEvent(h, callbackBody(`{"type":"message","channel":"C1","user":"U1","text":"hello","ts":"1700000000.000200","thread_ts":"1700000000.000100"}`), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	events := d.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 dispatched event, got %d", len(events))
	}
	evt := events[0]
	if evt.Origin != PlatformSlack || evt.ChatID != "C1" || evt.MessageID != "1700000000.000200" || evt.ReplyTo != "1700000000.000100" || evt.SenderID != "U1" {
		t.Errorf("event: %+v", evt)
	}
	if text, ok := evt.Content.(*TextContent); !ok || text.Text != "hello" {
		t.Errorf("content: %#v", evt.Content)
	}
}

func TestSlackEventsIgnoredPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"non-message event", callbackBody(`{"type":"reaction_added","user":"U1","reaction":"thumbsup","item":{"type":"message","channel":"C1","ts":"1.1"},"event_ts":"1.2"}`), http.StatusOK},
		{"unknown inner event", callbackBody(`{"type":"some_future_event","ts":"1.1"}`), http.StatusOK},
		{"message without content", callbackBody(`{"type":"message","channel":"C1","user":"U1","ts":"1700000000.000300"}`), http.StatusOK},
		{"message without ts", callbackBody(`{"type":"message","channel":"C1","user":"U1","text":"hi"}`), http.StatusOK},
		{"rate limited", `{"token":"t","type":"app_rate_limited","team_id":"T1","minute_rate_limited":1518467820,"api_app_id":"A1"}`, http.StatusOK},
		{"not json", `{not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			h := NewSlackEventsHandler(d, "", zerolog.Nop())
			w := postEvent(h, tt.body, nil)
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d", w.Code, tt.want)
			}
			if n := len(d.Events()); n != 0 {
				t.Errorf("expected nothing dispatched, got %d events", n)
			}
		})
	}
}

func TestSlackEventsDispatchFailureAsksForRedelivery(t *testing.T) {
	d := &recordingDispatcher{err: ErrGateClosed}
	h := NewSlackEventsHandler(d, "", zerolog.Nop())

	w := postEvent(h, callbackBody(`{"type":"message","channel":"C1","user":"U1","text":"hello","ts":"1700000000.000200"}`), nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestSlackEventsMethodNotAllowed(t *testing.T) {
	h := NewSlackEventsHandler(&recordingDispatcher{}, "", zerolog.Nop())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slack/events", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func signSlackRequest(secret, body string, at time.Time) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", ts)
	h.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return h
}

func TestSlackEventsSignature(t *testing.T) {
	const secret = "8f742231b10e8888abcd99yyyzzz85a5"
	body := callbackBody(`{"type":"message","channel":"C1","user":"U1","text":"hello","ts":"1700000000.000200"}`)

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{"valid", signSlackRequest(secret, body, time.Now()), http.StatusOK},
		{"wrong secret", signSlackRequest("other", body, time.Now()), http.StatusUnauthorized},
		{"expired", signSlackRequest(secret, body, time.Now().Add(-10*time.Minute)), http.StatusUnauthorized},
		{"missing headers", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDispatcher{}
			h := NewSlackEventsHandler(d, secret, zerolog.Nop())
			w := postEvent(h, body, tt.header)
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d", w.Code, tt.want)
			}
			wantEvents := 0
			if tt.want == http.StatusOK {
				wantEvents = 1
			}
			if n := len(d.Events()); n != wantEvents {
				t.Errorf("dispatched %d events, want %d", n, wantEvents)
			}
		})
	}
}

func TestDecodeSlackMessage(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		evt, err := DecodeSlackMessage(&slackevents.MessageEvent{
			Channel: "C1", User: "U1", Text: "hi", TimeStamp: "1700000000.000100",
		})
		if err != nil {
			t.Fatalf("DecodeSlackMessage: %v", err)
		}
		if evt.Timestamp.Unix() != 1700000000 || evt.Timestamp.Nanosecond() != 100000 {
			t.Errorf("timestamp: %v", evt.Timestamp)
		}
		if evt.SecondaryID != "" || evt.ReplyTo != "" {
			t.Errorf("unexpected ids: %+v", evt)
		}
	})

	t.Run("bot message", func(t *testing.T) {
		evt, err := DecodeSlackMessage(&slackevents.MessageEvent{
			Channel: "C1", BotID: "B1", Username: "deploybot", SubType: "bot_message", Text: "done", TimeStamp: "1.000001",
		})
		if err != nil {
			t.Fatalf("DecodeSlackMessage: %v", err)
		}
		if evt.BotID != "B1" || evt.SenderName != "deploybot" || evt.Subtype != "bot_message" || evt.SenderID != "" {
			t.Errorf("event: %+v", evt)
		}
	})

	t.Run("files", func(t *testing.T) {
		evt, err := DecodeSlackMessage(&slackevents.MessageEvent{
			Channel: "C1", User: "U1", Text: "see attached", TimeStamp: "1.000002", ThreadTimeStamp: "1.000001", SubType: "file_share",
			Files: []slackevents.File{
				{ID: "F1", Name: "a.png", Mimetype: "image/png", Size: 3, URLPrivate: "https://files/a", URLPrivateDownload: "https://files/a/download"},
				{ID: "F2", Name: "b.txt", URLPrivate: "https://files/b"},
			},
		})
		if err != nil {
			t.Fatalf("DecodeSlackMessage: %v", err)
		}
		if evt.SecondaryID != "F1" {
			t.Errorf("secondary id: got %q, want F1", evt.SecondaryID)
		}
		content, ok := evt.Content.(*FileShareContent)
		if !ok {
			t.Fatalf("content: %#v", evt.Content)
		}
		if content.Text != "see attached" || len(content.Files) != 2 {
			t.Fatalf("file share: %+v", content)
		}
		if content.Files[0].DownloadURL != "https://files/a/download" || content.Files[1].DownloadURL != "https://files/b" {
			t.Errorf("download urls: %q %q", content.Files[0].DownloadURL, content.Files[1].DownloadURL)
		}
	})

	t.Run("no content", func(t *testing.T) {
		_, err := DecodeSlackMessage(&slackevents.MessageEvent{Channel: "C1", SubType: "channel_join", TimeStamp: "1.1"})
		if !errors.Is(err, ErrUnsupportedContent) {
			t.Errorf("expected ErrUnsupportedContent, got %v", err)
		}
	})

	t.Run("bad ts", func(t *testing.T) {
		if _, err := DecodeSlackMessage(&slackevents.MessageEvent{Channel: "C1", Text: "x", TimeStamp: "abc"}); err == nil {
			t.Error("expected an error for an invalid ts")
		}
		if _, err := DecodeSlackMessage(&slackevents.MessageEvent{Channel: "C1", Text: "x"}); err == nil {
			t.Error("expected an error for a missing ts")
		}
	})
}
