// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.mau.fi/util/exhttp"
)

// SlackSender talks to the Slack Web API with one bot token.
type SlackSender struct {
	client *slack.Client
}

var _ SlackClient = (*SlackSender)(nil)

func NewSlackSender(token, apiURL string, httpClient *http.Client) *SlackSender {
	opts := []slack.Option{slack.OptionAPIURL(apiURL)}
	if httpClient != nil {
		opts = append(opts, slack.OptionHTTPClient(httpClient))
	}
	return &SlackSender{client: slack.New(token, opts...)}
}

func (s *SlackSender) SendText(ctx context.Context, channelID, text, threadTS string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := s.client.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", err
	}
	return ts, nil
}

// SendFile uploads file to the channel and returns the Slack file id. The
// upload API does not return the ts of the message that shares the file.
func (s *SlackSender) SendFile(ctx context.Context, channelID string, file File, caption, threadTS string) (string, error) {
	summary, err := s.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Reader:          bytes.NewReader(file.Data),
		FileSize:        len(file.Data),
		Filename:        file.Name,
		Title:           file.Title,
		InitialComment:  caption,
		Channel:         channelID,
		ThreadTimestamp: threadTS,
	})
	if err != nil {
		return "", err
	}
	return summary.ID, nil
}

// FetchFile downloads a private Slack file URL with the bot token.
func (s *SlackSender) FetchFile(ctx context.Context, downloadURL string) (File, error) {
	var buf bytes.Buffer
	if err := s.client.GetFileContext(ctx, downloadURL, &buf); err != nil {
		return File{}, err
	}
	return File{Name: fileNameFromURL(downloadURL), Data: buf.Bytes()}, nil
}

func (s *SlackSender) DisplayName(ctx context.Context, userID string) (string, error) {
	user, err := s.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.RealName != "" {
		return user.RealName, nil
	} else if user.Name != "" {
		return user.Name, nil
	}
	return unknownSlackSender, nil
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "file"
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "file"
	}
	return name
}

// SlackPool caches one SlackSender per bot token.
type SlackPool struct {
	apiURL     string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*SlackSender
}

var (
	_ SlackClients  = (*SlackPool)(nil)
	_ BotIdentifier = (*SlackPool)(nil)
)

func NewSlackPool(apiURL string, httpClient *http.Client) *SlackPool {
	return &SlackPool{
		apiURL:     apiURL,
		httpClient: httpClient,
		clients:    make(map[string]*SlackSender),
	}
}

func (p *SlackPool) sender(token string) *SlackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.clients[token]
	if !ok {
		s = NewSlackSender(token, p.apiURL, p.httpClient)
		p.clients[token] = s
	}
	return s
}

func (p *SlackPool) Client(token string) SlackClient {
	return p.sender(token)
}

// BotUserID calls auth.test to find the user id of the bot owning token.
func (p *SlackPool) BotUserID(ctx context.Context, token string) (string, error) {
	resp, err := p.sender(token).client.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("auth.test failed: %w", err)
	}
	return resp.UserID, nil
}

// Dispatcher accepts decoded events for asynchronous relaying.
type Dispatcher interface {
	Dispatch(evt *Event) error
}

var _ Dispatcher = (*Gate)(nil)

// maxEventBodySize is the maximum accepted Slack Events API payload (1 MB).
const maxEventBodySize = 1 << 20

// SlackEventsHandler receives Slack Events API callbacks.
type SlackEventsHandler struct {
	dispatcher Dispatcher
	log        zerolog.Logger
	// SigningSecret enables request signature checks when set.
	SigningSecret string
}

func NewSlackEventsHandler(dispatcher Dispatcher, signingSecret string, log zerolog.Logger) *SlackEventsHandler {
	return &SlackEventsHandler{
		dispatcher:    dispatcher,
		log:           log.With().Str("component", "slack_events").Logger(),
		SigningSecret: signingSecret,
	}
}

func (h *SlackEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBodySize))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if h.SigningSecret != "" {
		if err = h.verify(r.Header, body); err != nil {
			h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected Slack request with bad signature")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	apiEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		var envelope struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(body, &envelope) != nil || envelope.Type != slackevents.CallbackEvent {
			h.log.Debug().Err(err).Msg("Failed to parse Slack event")
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		// Callbacks with inner events slack-go can't decode are acknowledged and dropped.
		h.log.Trace().Err(err).Msg("Ignoring undecodable Slack callback")
		w.WriteHeader(http.StatusOK)
		return
	}

	switch apiEvent.Type {
	case slackevents.URLVerification:
		challenge, ok := apiEvent.Data.(*slackevents.EventsAPIURLVerificationEvent)
		if !ok {
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		h.log.Info().Msg("Answering Slack URL verification")
		exhttp.WriteJSONResponse(w, http.StatusOK, map[string]string{"challenge": challenge.Challenge})
	case slackevents.CallbackEvent:
		h.handleCallback(w, r, apiEvent)
	default:
		h.log.Debug().Str("type", apiEvent.Type).Msg("Ignoring Slack event")
		w.WriteHeader(http.StatusOK)
	}
}

func (h *SlackEventsHandler) verify(header http.Header, body []byte) error {
	sv, err := slack.NewSecretsVerifier(header, h.SigningSecret)
	if err != nil {
		return err
	}
	if _, err = sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

func (h *SlackEventsHandler) handleCallback(w http.ResponseWriter, r *http.Request, apiEvent slackevents.EventsAPIEvent) {
	msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		h.log.Trace().Str("type", apiEvent.InnerEvent.Type).Msg("Ignoring non-message Slack event")
		w.WriteHeader(http.StatusOK)
		return
	}
	evt, err := DecodeSlackMessage(msg)
	if errors.Is(err, ErrUnsupportedContent) {
		h.log.Debug().Str("channel", msg.Channel).Str("subtype", msg.SubType).Msg("Ignoring Slack message without content")
		w.WriteHeader(http.StatusOK)
		return
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to decode Slack message")
		w.WriteHeader(http.StatusOK)
		return
	}
	if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
		h.log.Debug().Str("retry_num", retry).Str("ts", evt.MessageID).Msg("Received Slack event retry")
	}
	if err = h.dispatcher.Dispatch(evt); err != nil {
		// Slack redelivers events that are not acknowledged.
		h.log.Warn().Err(err).Msg("Failed to dispatch Slack event")
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DecodeSlackMessage converts a Slack message event to an Event. Messages
// with neither text nor files return ErrUnsupportedContent.
func DecodeSlackMessage(msg *slackevents.MessageEvent) (*Event, error) {
	if msg.TimeStamp == "" {
		return nil, errors.New("slack message has no ts")
	}
	timestamp, err := ParseSlackTS(msg.TimeStamp)
	if err != nil {
		return nil, err
	}
	evt := &Event{
		Origin:     PlatformSlack,
		ChatID:     msg.Channel,
		MessageID:  msg.TimeStamp,
		ReplyTo:    msg.ThreadTimeStamp,
		SenderID:   msg.User,
		SenderName: msg.Username,
		BotID:      msg.BotID,
		Subtype:    msg.SubType,
		Timestamp:  timestamp,
	}
	switch {
	case len(msg.Files) > 0:
		files := make([]SlackFile, 0, len(msg.Files))
		for _, f := range msg.Files {
			downloadURL := f.URLPrivateDownload
			if downloadURL == "" {
				downloadURL = f.URLPrivate
			}
			files = append(files, SlackFile{
				ID:          f.ID,
				Name:        f.Name,
				Title:       f.Title,
				MimeType:    f.Mimetype,
				DownloadURL: downloadURL,
				Size:        f.Size,
			})
		}
		evt.SecondaryID = files[0].ID
		evt.Content = &FileShareContent{Files: files, Text: msg.Text}
	case msg.Text != "":
		evt.Content = &TextContent{Text: msg.Text}
	default:
		return nil, ErrUnsupportedContent
	}
	return evt, nil
}
