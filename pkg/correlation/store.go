// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package correlation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	_ "modernc.org/sqlite"

	"github.com/imhassla/slack-telegram-gate/pkg/correlation/upgrades"
)

// DefaultStoreTimeout bounds every statement issued against the store.
const DefaultStoreTimeout = 5 * time.Second

const (
	upsertMappingQuery = `
		INSERT INTO message_threads (telegram_message_id, slack_thread_ts, project_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (telegram_message_id, project_name) DO UPDATE
			SET slack_thread_ts=excluded.slack_thread_ts
	`
	getSlackTSQuery = `
		SELECT slack_thread_ts FROM message_threads
		WHERE telegram_message_id=$1 AND project_name=$2
	`
	getTelegramMessageIDQuery = `
		SELECT MIN(telegram_message_id) FROM message_threads
		WHERE slack_thread_ts=$1 AND project_name=$2
	`
)

// Mapping links a Telegram message to a Slack thread timestamp within one
// project. (TelegramMessageID, Project) is the natural key.
type Mapping struct {
	TelegramMessageID int64
	SlackTS           string
	Project           string
}

func (m Mapping) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("telegram_message_id", m.TelegramMessageID).
		Str("slack_ts", m.SlackTS).
		Str("project", m.Project)
}

// DatabaseConfig describes how to reach the correlation database.
type DatabaseConfig struct {
	// Type is the database/sql driver name: "sqlite" or "postgres".
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`

	StoreTimeout time.Duration `yaml:"store_timeout"`
	// MaxAttempts is how many times the write serializer tries a mapping
	// before giving up on it.
	MaxAttempts int `yaml:"max_attempts"`
}

// WriteError is returned by Store.Upsert. The serializer treats it as
// retryable unless the context was cancelled.
type WriteError struct {
	Mapping Mapping
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write mapping %d -> %s (%s): %v",
		e.Mapping.TelegramMessageID, e.Mapping.SlackTS, e.Mapping.Project, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func (e *WriteError) Retryable() bool {
	return !errors.Is(e.Err, context.Canceled)
}

// Store persists Mappings. Reads may run from any goroutine; writes are
// expected to come from a single Serializer worker.
type Store struct {
	db      *dbutil.Database
	timeout time.Duration
}

// Open connects to the configured database and brings its schema up to date.
func Open(ctx context.Context, cfg DatabaseConfig, log zerolog.Logger) (*Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Type))
	if driver == "" {
		driver = "sqlite"
	}
	if cfg.URI == "" {
		return nil, fmt.Errorf("database uri is empty")
	}
	db, err := dbutil.NewWithDialect(cfg.URI, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	db.Owner = "slack-telegram-gate"
	db.UpgradeTable = upgrades.Table
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "correlation").Logger())
	if cfg.MaxOpenConns > 0 {
		db.RawDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.RawDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade database: %w", err)
	}
	return NewStore(db, cfg.StoreTimeout), nil
}

// NewStore wraps an already upgraded database.
func NewStore(db *dbutil.Database, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Store{db: db, timeout: timeout}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert stores m, replacing any earlier Slack ts for the same key.
func (s *Store) Upsert(ctx context.Context, m Mapping) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.Exec(ctx, upsertMappingQuery, m.TelegramMessageID, m.SlackTS, m.Project); err != nil {
		return &WriteError{Mapping: m, Err: err}
	}
	return nil
}

// GetSlackTS returns the Slack thread ts mirrored from the given Telegram
// message. found is false when there is no entry.
func (s *Store) GetSlackTS(ctx context.Context, telegramMessageID int64, project string) (ts string, found bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.db.QueryRow(ctx, getSlackTSQuery, telegramMessageID, project).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to get slack ts for message %d: %w", telegramMessageID, err)
	}
	return ts, true, nil
}

// GetTelegramMessageID returns the Telegram message linked to a Slack ts.
// When several messages share the ts, the earliest one wins so replies
// attach to the root of the conversation.
func (s *Store) GetTelegramMessageID(ctx context.Context, slackTS, project string) (id int64, found bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var nullID sql.NullInt64
	err = s.db.QueryRow(ctx, getTelegramMessageIDQuery, slackTS, project).Scan(&nullID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, fmt.Errorf("failed to get telegram message for ts %s: %w", slackTS, err)
	}
	if !nullID.Valid {
		return 0, false, nil
	}
	return nullID.Int64, true, nil
}
