package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

// ============================================================================
// Database
// ============================================================================

const (
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
)

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS play_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			title TEXT NOT NULL,
			page_url TEXT,
			requester TEXT,
			duration TEXT,
			played_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_play_history_chat_id ON play_history(chat_id)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	return tx.Commit()
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// ============================================================================
// Play History
// ============================================================================

type PlayRecord struct {
	ID        int64
	ChatID    snowflake.ID
	Title     string
	PageURL   string
	Requester string
	Duration  string
	PlayedAt  time.Time
}

func AddPlayHistory(ctx context.Context, chatID snowflake.ID, title, pageURL, requester, duration string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO play_history (chat_id, title, page_url, requester, duration)
		VALUES (?, ?, ?, ?, ?)
	`, chatID.String(), title, pageURL, requester, duration)
	return err
}

func GetRecentPlays(ctx context.Context, chatID snowflake.ID, limit int) ([]*PlayRecord, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, chat_id, title, page_url, requester, duration, played_at
		FROM play_history WHERE chat_id = ? ORDER BY played_at DESC LIMIT ?
	`, chatID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*PlayRecord
	for rows.Next() {
		r := &PlayRecord{}
		var cid string
		var pageURL, requester, duration sql.NullString
		if err := rows.Scan(&r.ID, &cid, &r.Title, &pageURL, &requester, &duration, &r.PlayedAt); err != nil {
			return nil, err
		}
		r.ChatID, _ = snowflake.Parse(cid)
		r.PageURL = pageURL.String
		r.Requester = requester.String
		r.Duration = duration.String
		records = append(records, r)
	}
	return records, rows.Err()
}

func GetPlayHistoryCount(ctx context.Context) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM play_history").Scan(&count)
	return count, err
}

func PrunePlayHistory(ctx context.Context, keep int) error {
	_, err := DB.ExecContext(ctx, `
		DELETE FROM play_history WHERE id NOT IN (
			SELECT id FROM play_history ORDER BY played_at DESC LIMIT ?
		)
	`, keep)
	return err
}
