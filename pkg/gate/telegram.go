// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/imhassla/slack-telegram-gate/pkg/gate/tgfmt"
)

// DefaultPollTimeout is the long-poll timeout for getUpdates, in seconds.
const DefaultPollTimeout = 5

// maxTelegramDownload caps files fetched from the Bot API (its own limit is 20 MB).
const maxTelegramDownload = 20 << 20

// NewTelegramBot connects to the Bot API at apiURL and checks the token
// with getMe.
func NewTelegramBot(token, apiURL string, httpClient *http.Client) (*tgbotapi.BotAPI, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, telegramAPIEndpoint(apiURL), httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Telegram: %w", err)
	}
	return bot, nil
}

func telegramAPIEndpoint(apiURL string) string {
	return strings.TrimSuffix(apiURL, "/") + "/bot%s/%s"
}

func telegramFileEndpoint(apiURL string) string {
	return strings.TrimSuffix(apiURL, "/") + "/file/bot%s/%s"
}

// botLogger routes telegram-bot-api's internal logging to zerolog.
type botLogger struct {
	log zerolog.Logger
}

func (l botLogger) Println(v ...any) {
	l.log.Warn().Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l botLogger) Printf(format string, v ...any) {
	l.log.Warn().Msgf(format, v...)
}

// SetTelegramLogger replaces telegram-bot-api's package-level standard logger.
func SetTelegramLogger(log zerolog.Logger) {
	_ = tgbotapi.SetLogger(botLogger{log: log.With().Str("component", "telegram_bot_api").Logger()})
}

// TelegramSender sends messages with the gate's Telegram bot.
type TelegramSender struct {
	bot          *tgbotapi.BotAPI
	fileEndpoint string
	httpClient   *http.Client
}

var _ Sender = (*TelegramSender)(nil)

func NewTelegramSender(bot *tgbotapi.BotAPI, apiURL string, httpClient *http.Client) *TelegramSender {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &TelegramSender{
		bot:          bot,
		fileEndpoint: telegramFileEndpoint(apiURL),
		httpClient:   httpClient,
	}
}

func (t *TelegramSender) SendText(ctx context.Context, chatID, text, replyTo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chat, err := ParseTelegramChatID(chatID)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(chat, truncate(text, maxTelegramText))
	if err = setReplyTo(&msg.BaseChat, replyTo); err != nil {
		return "", err
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		return "", err
	}
	return FormatTelegramMessageID(int64(sent.MessageID)), nil
}

// SendFile sends file as a document so Telegram keeps the original bytes.
func (t *TelegramSender) SendFile(ctx context.Context, chatID string, file File, caption, replyTo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chat, err := ParseTelegramChatID(chatID)
	if err != nil {
		return "", err
	}
	name := file.Name
	if name == "" {
		name = "file"
	}
	doc := tgbotapi.NewDocument(chat, tgbotapi.FileBytes{Name: name, Bytes: file.Data})
	doc.Caption = truncate(caption, maxTelegramCaption)
	if err = setReplyTo(&doc.BaseChat, replyTo); err != nil {
		return "", err
	}
	sent, err := t.bot.Send(doc)
	if err != nil {
		return "", err
	}
	return FormatTelegramMessageID(int64(sent.MessageID)), nil
}

func setReplyTo(chat *tgbotapi.BaseChat, replyTo string) error {
	if replyTo == "" {
		return nil
	}
	id, err := ParseTelegramMessageID(replyTo)
	if err != nil {
		return err
	}
	chat.ReplyToMessageID = int(id)
	chat.AllowSendingWithoutReply = true
	return nil
}

// FetchFile resolves a Telegram file_id with getFile and downloads it.
func (t *TelegramSender) FetchFile(ctx context.Context, fileID string) (File, error) {
	info, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return File{}, fmt.Errorf("getFile failed: %w", err)
	} else if info.FilePath == "" {
		return File{}, errors.New("getFile returned no file path")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(t.fileEndpoint, t.bot.Token, info.FilePath), nil)
	if err != nil {
		return File{}, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return File{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// The URL contains the bot token, so it is left out of the error.
		return File{}, fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, info.FilePath)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTelegramDownload+1))
	if err != nil {
		return File{}, err
	} else if len(data) > maxTelegramDownload {
		return File{}, fmt.Errorf("file %s is larger than %d bytes", info.FilePath, maxTelegramDownload)
	}
	return File{
		Name:     path.Base(info.FilePath),
		Data:     data,
		MimeType: resp.Header.Get("Content-Type"),
	}, nil
}

// TelegramReceiver long-polls the Bot API and dispatches incoming messages.
type TelegramReceiver struct {
	bot        *tgbotapi.BotAPI
	dispatcher Dispatcher
	log        zerolog.Logger
	// Timeout is the getUpdates long-poll timeout in seconds.
	Timeout int

	stopOnce sync.Once
}

func NewTelegramReceiver(bot *tgbotapi.BotAPI, dispatcher Dispatcher, log zerolog.Logger) *TelegramReceiver {
	return &TelegramReceiver{
		bot:        bot,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "telegram_receiver").Logger(),
		Timeout:    DefaultPollTimeout,
	}
}

// Run receives updates until ctx is done.
func (r *TelegramReceiver) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = r.Timeout
	cfg.AllowedUpdates = []string{"message"}
	updates := r.bot.GetUpdatesChan(cfg)
	defer r.Stop()
	r.log.Info().Str("bot", r.bot.Self.UserName).Msg("Receiving Telegram updates")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			r.handleUpdate(update)
		}
	}
}

// Stop ends the long-poll loop. It is safe to call more than once.
func (r *TelegramReceiver) Stop() {
	r.stopOnce.Do(r.bot.StopReceivingUpdates)
}

func (r *TelegramReceiver) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil {
		r.log.Trace().Int("update_id", update.UpdateID).Msg("Ignoring non-message update")
		return
	}
	evt, err := DecodeTelegramMessage(update.Message)
	if errors.Is(err, ErrUnsupportedContent) {
		r.log.Debug().
			Int("message_id", update.Message.MessageID).
			Msg("Ignoring Telegram message with unsupported content")
		return
	} else if err != nil {
		r.log.Warn().Err(err).Int("update_id", update.UpdateID).Msg("Failed to decode Telegram message")
		return
	}
	if err = r.dispatcher.Dispatch(evt); err != nil {
		r.log.Warn().Err(err).Object("event", evt).Msg("Failed to dispatch Telegram message")
	}
}

// DecodeTelegramMessage converts a Telegram message to an Event. Messages
// other than text, photo, document, audio, video, animation or voice
// return ErrUnsupportedContent.
func DecodeTelegramMessage(msg *tgbotapi.Message) (*Event, error) {
	if msg.Chat == nil {
		return nil, errors.New("telegram message has no chat")
	}
	evt := &Event{
		Origin:     PlatformTelegram,
		ChatID:     FormatTelegramChatID(msg.Chat.ID),
		MessageID:  FormatTelegramMessageID(int64(msg.MessageID)),
		SenderName: unknownSender,
		Timestamp:  msg.Time(),
	}
	if msg.ReplyToMessage != nil {
		evt.ReplyTo = FormatTelegramMessageID(int64(msg.ReplyToMessage.MessageID))
	}
	if from := msg.From; from != nil {
		evt.SenderID = FormatTelegramChatID(from.ID)
		if name := strings.TrimSpace(from.FirstName + " " + from.LastName); name != "" {
			evt.SenderName = name
		}
		if from.UserName != "" {
			evt.SenderTag = "@" + from.UserName
		}
	}

	media := func(kind MediaKind, fileID, name string) *MediaContent {
		return &MediaContent{Kind: kind, FileRef: fileID, FileName: name, Caption: msg.Caption}
	}
	switch {
	case msg.Text != "":
		evt.Content = &TextContent{Text: msg.Text, Entities: convertEntities(msg.Entities)}
	case len(msg.Photo) > 0:
		// Sizes are ordered smallest first.
		evt.Content = media(MediaPhoto, msg.Photo[len(msg.Photo)-1].FileID, "")
	case msg.Animation != nil:
		// Animations also carry a Document, so they are checked first.
		evt.Content = media(MediaAnimation, msg.Animation.FileID, msg.Animation.FileName)
	case msg.Document != nil:
		evt.Content = media(MediaDocument, msg.Document.FileID, msg.Document.FileName)
	case msg.Audio != nil:
		evt.Content = media(MediaAudio, msg.Audio.FileID, msg.Audio.FileName)
	case msg.Video != nil:
		evt.Content = media(MediaVideo, msg.Video.FileID, msg.Video.FileName)
	case msg.Voice != nil:
		evt.Content = media(MediaVoice, msg.Voice.FileID, "")
	default:
		return nil, ErrUnsupportedContent
	}
	return evt, nil
}

func convertEntities(entities []tgbotapi.MessageEntity) []tgfmt.Entity {
	if len(entities) == 0 {
		return nil
	}
	out := make([]tgfmt.Entity, len(entities))
	for i, e := range entities {
		out[i] = tgfmt.Entity{Type: e.Type, Offset: e.Offset, Length: e.Length, URL: e.URL}
	}
	return out
}
