// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Project links one Slack channel with one Telegram chat.
type Project struct {
	Name           string
	Active         bool
	SlackChannelID string
	SlackBotToken  string
	TelegramChatID int64
	// BotUserID is the Slack user id behind SlackBotToken, used to skip the
	// gate's own messages. Empty if auth.test failed.
	BotUserID string
}

func (p Project) MarshalZerologObject(e *zerolog.Event) {
	e.Str("project", p.Name).
		Bool("active", p.Active).
		Str("slack_channel_id", p.SlackChannelID).
		Int64("telegram_chat_id", p.TelegramChatID)
}

func projectFromConfig(pc ProjectConfig) Project {
	return Project{
		Name:           pc.ProjectName,
		Active:         pc.Active,
		SlackChannelID: pc.SlackChannelID,
		SlackBotToken:  pc.SlackBotToken,
		TelegramChatID: int64(pc.TelegramChatID),
	}
}

// ProjectLookup finds the project an inbound message belongs to. Results
// are snapshots and must not be cached across events.
type ProjectLookup interface {
	FindBySlackChannel(channelID string) (Project, bool)
	FindByTelegramChat(chatID int64) (Project, bool)
}

// ProjectRegistry is the hot-reloadable set of configured projects.
type ProjectRegistry struct {
	identifier BotIdentifier
	path       string
	log        zerolog.Logger

	// reloadMu serializes reloads; mu guards the maps.
	reloadMu sync.Mutex
	lastMod  time.Time

	mu         sync.RWMutex
	projects   map[string]*Project
	bySlack    map[string]*Project
	byTelegram map[int64]*Project
}

var _ ProjectLookup = (*ProjectRegistry)(nil)

// NewProjectRegistry returns an empty registry backed by the config file at
// path.
func NewProjectRegistry(identifier BotIdentifier, path string, log zerolog.Logger) *ProjectRegistry {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &ProjectRegistry{
		identifier: identifier,
		path:       path,
		log:        log.With().Str("component", "project_registry").Logger(),
		projects:   make(map[string]*Project),
		bySlack:    make(map[string]*Project),
		byTelegram: make(map[int64]*Project),
	}
}

func (r *ProjectRegistry) FindBySlackChannel(channelID string) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySlack[channelID]
	if !ok {
		return Project{}, false
	}
	return *p, true
}

func (r *ProjectRegistry) FindByTelegramChat(chatID int64) (Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byTelegram[chatID]
	if !ok {
		return Project{}, false
	}
	return *p, true
}

// Count returns the number of configured projects.
func (r *ProjectRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.projects)
}

// Reload replaces the project set with configs. The bot user id of a
// project whose token did not change is kept; others are resolved again.
func (r *ProjectRegistry) Reload(ctx context.Context, configs []ProjectConfig) (added, removed int) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	r.mu.RLock()
	current := make(map[string]Project, len(r.projects))
	for name, p := range r.projects {
		current[name] = *p
	}
	r.mu.RUnlock()

	next := make(map[string]*Project, len(configs))
	updated := 0
	for _, pc := range configs {
		p := projectFromConfig(pc)
		old, exists := current[p.Name]
		if exists && old.SlackBotToken == p.SlackBotToken && old.BotUserID != "" {
			p.BotUserID = old.BotUserID
		} else {
			p.BotUserID = r.resolveBotUserID(ctx, p)
		}
		switch {
		case !exists:
			added++
			r.log.Info().Object("project", p).Str("bot_user_id", p.BotUserID).Msg("Adding project")
		case old != p:
			updated++
			r.log.Info().Object("project", p).Str("bot_user_id", p.BotUserID).Msg("Updating project")
		}
		next[p.Name] = &p
	}
	for name := range current {
		if _, ok := next[name]; !ok {
			removed++
			r.log.Info().Str("project", name).Msg("Removing project")
		}
	}

	bySlack := make(map[string]*Project, len(next))
	byTelegram := make(map[int64]*Project, len(next))
	for _, p := range next {
		bySlack[p.SlackChannelID] = p
		byTelegram[p.TelegramChatID] = p
	}

	r.mu.Lock()
	r.projects = next
	r.bySlack = bySlack
	r.byTelegram = byTelegram
	r.mu.Unlock()

	r.log.Info().
		Int("added", added).
		Int("updated", updated).
		Int("removed", removed).
		Int("total", len(next)).
		Msg("Project reload complete")
	return added, removed
}

func (r *ProjectRegistry) resolveBotUserID(ctx context.Context, p Project) string {
	if r.identifier == nil {
		return ""
	}
	botUserID, err := r.identifier.BotUserID(ctx, p.SlackBotToken)
	if err != nil {
		r.log.Err(err).Str("project", p.Name).Msg("Failed to resolve Slack bot user, echo prevention disabled for project")
		return ""
	}
	return botUserID
}

// Load installs the projects of a config file that was already read and
// records its modification time, so Watch only reacts to later changes.
func (r *ProjectRegistry) Load(ctx context.Context, configs []ProjectConfig) int {
	info, statErr := os.Stat(r.path)
	added, _ := r.Reload(ctx, configs)
	if statErr == nil {
		r.setLastMod(info.ModTime())
	}
	return added
}

func (r *ProjectRegistry) setLastMod(t time.Time) {
	r.reloadMu.Lock()
	r.lastMod = t
	r.reloadMu.Unlock()
}

// ReloadFile re-reads the config file and reloads the projects in it. An
// invalid file leaves the current projects untouched.
func (r *ProjectRegistry) ReloadFile(ctx context.Context) (added, removed int, err error) {
	info, statErr := os.Stat(r.path)
	cfg, err := LoadConfig(r.path, false)
	if err != nil {
		return 0, 0, err
	}
	added, removed = r.Reload(ctx, cfg.Channels)
	if statErr == nil {
		r.setLastMod(info.ModTime())
	}
	return added, removed, nil
}

// Watch reloads the projects whenever the config file changes. It uses
// fsnotify and falls back to checking the modification time every interval
// when file notifications are unavailable. Watch returns when ctx is done.
func (r *ProjectRegistry) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn().Err(err).Msg("File notifications unavailable, polling config file")
		return r.poll(ctx, interval)
	}
	defer func() { _ = watcher.Close() }()

	// Editors and the config upgrader replace the file by renaming over it,
	// so the directory is watched rather than the file.
	if err = watcher.Add(filepath.Dir(r.path)); err != nil {
		r.log.Warn().Err(err).Msg("Failed to watch config directory, polling config file")
		return r.poll(ctx, interval)
	}
	r.log.Debug().Str("path", r.path).Msg("Watching config file")

	const debounceInterval = 200 * time.Millisecond
	trigger := make(chan struct{}, 1)
	var mu sync.Mutex
	var debounceTimer *time.Timer
	resetDebounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(debounceInterval, func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		mu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("config watcher closed")
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				resetDebounce()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("config watcher closed")
			}
			r.log.Warn().Err(err).Msg("Config watcher error")
		case <-trigger:
			r.reloadChanged(ctx)
		}
	}
}

func (r *ProjectRegistry) poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, err := os.Stat(r.path)
			if err != nil {
				r.log.Warn().Err(err).Msg("Failed to stat config file")
				continue
			}
			r.reloadMu.Lock()
			changed := info.ModTime().After(r.lastMod)
			r.reloadMu.Unlock()
			if changed {
				r.reloadChanged(ctx)
			}
		}
	}
}

func (r *ProjectRegistry) reloadChanged(ctx context.Context) {
	r.log.Info().Str("path", r.path).Msg("Config file changed, reloading projects")
	if _, _, err := r.ReloadFile(ctx); err != nil {
		r.log.Err(err).Msg("Failed to reload projects, keeping current set")
	}
}
