package modmail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStateKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// The runtime snapshot is stored relationally: one meta row per state key,
// one row per pending closure and one row per thread mention.
var postgresStateSchema = []string{
	`CREATE TABLE IF NOT EXISTS modmail_runtime_meta (
		state_key TEXT PRIMARY KEY,
		fallback_category_id TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS modmail_pending_closures (
		state_key TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		is_auto_close BOOLEAN NOT NULL,
		fire_at TIMESTAMPTZ NOT NULL,
		closer_id TEXT NOT NULL DEFAULT '',
		silent BOOLEAN NOT NULL DEFAULT FALSE,
		delete_channel BOOLEAN NOT NULL DEFAULT FALSE,
		message TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (state_key, thread_id, is_auto_close)
	)`,
	`CREATE INDEX IF NOT EXISTS modmail_pending_closures_fire_at ON modmail_pending_closures (state_key, fire_at)`,
	`CREATE TABLE IF NOT EXISTS modmail_thread_mentions (
		state_key TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		one_shot BOOLEAN NOT NULL,
		position INTEGER NOT NULL,
		mention TEXT NOT NULL,
		PRIMARY KEY (state_key, thread_id, one_shot, mention)
	)`,
}

// PostgresStateBackend keeps pending closures, subscriptions and the
// notification squad in Postgres tables. The connection is opened lazily.
type PostgresStateBackend struct {
	dsn      string
	stateKey string
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{
		dsn:      dsn,
		stateKey: postgresStateKey,
		openDB:   sql.Open,
	}, nil
}

// Load returns nil when nothing was saved under the state key yet.
func (b *PostgresStateBackend) Load() (*RuntimeSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	snapshot := newRuntimeSnapshot()
	err := b.db.QueryRowContext(ctx,
		`SELECT fallback_category_id FROM modmail_runtime_meta WHERE state_key = $1`, b.stateKey,
	).Scan(&snapshot.FallbackCategoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load runtime meta: %w", err)
	}
	if err := b.loadClosures(ctx, &snapshot); err != nil {
		return nil, err
	}
	if err := b.loadMentions(ctx, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *PostgresStateBackend) loadClosures(ctx context.Context, snapshot *RuntimeSnapshot) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT thread_id, is_auto_close, fire_at, closer_id, silent, delete_channel, message
		FROM modmail_pending_closures WHERE state_key = $1`, b.stateKey)
	if err != nil {
		return fmt.Errorf("load pending closures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c PendingClosure
		if err := rows.Scan(&c.ThreadID, &c.IsAutoClose, &c.FireAt, &c.CloserID, &c.Silent, &c.DeleteChannel, &c.Message); err != nil {
			return fmt.Errorf("scan pending closure: %w", err)
		}
		c.FireAt = c.FireAt.UTC()
		snapshot.Closures[closureKey(c.ThreadID, c.IsAutoClose)] = c
	}
	return rows.Err()
}

func (b *PostgresStateBackend) loadMentions(ctx context.Context, snapshot *RuntimeSnapshot) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT thread_id, one_shot, mention
		FROM modmail_thread_mentions WHERE state_key = $1
		ORDER BY thread_id, one_shot, position`, b.stateKey)
	if err != nil {
		return fmt.Errorf("load thread mentions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			threadID, mention string
			oneShot           bool
		)
		if err := rows.Scan(&threadID, &oneShot, &mention); err != nil {
			return fmt.Errorf("scan thread mention: %w", err)
		}
		if oneShot {
			snapshot.NotificationSquad[threadID] = append(snapshot.NotificationSquad[threadID], mention)
		} else {
			snapshot.Subscriptions[threadID] = append(snapshot.Subscriptions[threadID], mention)
		}
	}
	return rows.Err()
}

// Save replaces every row under the state key in one transaction.
func (b *PostgresStateBackend) Save(state *RuntimeSnapshot) error {
	if b == nil || state == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO modmail_runtime_meta (state_key, fallback_category_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET fallback_category_id = EXCLUDED.fallback_category_id, updated_at = NOW()`,
		b.stateKey, state.FallbackCategoryID); err != nil {
		return fmt.Errorf("save runtime meta: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM modmail_pending_closures WHERE state_key = $1`, b.stateKey); err != nil {
		return fmt.Errorf("clear pending closures: %w", err)
	}
	for _, c := range state.Closures {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO modmail_pending_closures
				(state_key, thread_id, is_auto_close, fire_at, closer_id, silent, delete_channel, message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			b.stateKey, c.ThreadID, c.IsAutoClose, c.FireAt.UTC(), c.CloserID, c.Silent, c.DeleteChannel, c.Message); err != nil {
			return fmt.Errorf("save closure for thread %s: %w", c.ThreadID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM modmail_thread_mentions WHERE state_key = $1`, b.stateKey); err != nil {
		return fmt.Errorf("clear thread mentions: %w", err)
	}
	for oneShot, byThread := range map[bool]map[string][]string{false: state.Subscriptions, true: state.NotificationSquad} {
		for threadID, mentions := range byThread {
			for pos, mention := range mentions {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO modmail_thread_mentions (state_key, thread_id, one_shot, position, mention)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT DO NOTHING`,
					b.stateKey, threadID, oneShot, pos, mention); err != nil {
					return fmt.Errorf("save mention for thread %s: %w", threadID, err)
				}
			}
		}
	}
	return tx.Commit()
}

func (b *PostgresStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range postgresStateSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("create state schema: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}
