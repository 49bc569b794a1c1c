package modmail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresLogsTable     = "modmail_logs"
	postgresMessagesTable = "modmail_log_messages"
	postgresNotesTable    = "modmail_notes"
)

// PostgresLogStore keeps log headers, log messages and notes in three tables.
// Author snapshots and attachments are stored as JSON text.
type PostgresLogStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLogStore(dsn string) (*PostgresLogStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresLogStore{dsn: dsn, openDB: sql.Open}, nil
}

var postgresLogSchema = []string{
	`CREATE TABLE IF NOT EXISTS ` + postgresLogsTable + ` (
		key TEXT PRIMARY KEY,
		open BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		channel_id TEXT NOT NULL,
		guild_id TEXT NOT NULL DEFAULT '',
		bot_id TEXT NOT NULL DEFAULT '',
		recipient_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		creator TEXT NOT NULL,
		closer_id TEXT,
		closer TEXT,
		close_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS modmail_logs_channel_idx ON ` + postgresLogsTable + ` (channel_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS modmail_logs_recipient_idx ON ` + postgresLogsTable + ` (recipient_id, guild_id)`,
	`CREATE TABLE IF NOT EXISTS ` + postgresMessagesTable + ` (
		id BIGSERIAL PRIMARY KEY,
		log_key TEXT NOT NULL REFERENCES ` + postgresLogsTable + ` (key) ON DELETE CASCADE,
		message_id TEXT NOT NULL,
		linked_ids TEXT[] NOT NULL DEFAULT '{}',
		author_id TEXT NOT NULL,
		author_mod BOOLEAN NOT NULL DEFAULT FALSE,
		author TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		attachments TEXT NOT NULL DEFAULT '[]',
		sent_at TIMESTAMPTZ NOT NULL,
		edited BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS modmail_log_messages_key_idx ON ` + postgresMessagesTable + ` (log_key, id)`,
	`CREATE INDEX IF NOT EXISTS modmail_log_messages_id_idx ON ` + postgresMessagesTable + ` (message_id)`,
	`CREATE TABLE IF NOT EXISTS ` + postgresNotesTable + ` (
		id TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		author TEXT NOT NULL,
		message TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS modmail_notes_recipient_idx ON ` + postgresNotesTable + ` (recipient_id)`,
}

func (s *PostgresLogStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range postgresLogSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("create log schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func marshalText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *PostgresLogStore) CreateEntry(ctx context.Context, in NewLogEntry) (LogEntry, error) {
	if strings.TrimSpace(in.ChannelID) == "" {
		return LogEntry{}, fmt.Errorf("%w: channel id is required", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return LogEntry{}, err
	}
	entry := newLogEntry(in, time.Now())
	recipient, err := marshalText(entry.Recipient)
	if err != nil {
		return LogEntry{}, err
	}
	creator, err := marshalText(entry.Creator)
	if err != nil {
		return LogEntry{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+postgresLogsTable+`
			(key, open, created_at, channel_id, guild_id, bot_id, recipient_id, recipient, creator)
		VALUES ($1, TRUE, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Key, entry.CreatedAt, entry.ChannelID, entry.GuildID, entry.BotID, entry.Recipient.ID, recipient, creator)
	if err != nil {
		return LogEntry{}, err
	}
	return entry, nil
}

func (s *PostgresLogStore) latestKeyForChannel(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, channelID string) (string, error) {
	var key string
	err := q.QueryRowContext(ctx,
		`SELECT key FROM `+postgresLogsTable+` WHERE channel_id = $1 ORDER BY created_at DESC LIMIT 1`, channelID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: log for channel %s", ErrNotFound, channelID)
	}
	return key, err
}

func (s *PostgresLogStore) AppendMessage(ctx context.Context, channelID string, msg ThreadMessage) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	key, err := s.latestKeyForChannel(ctx, s.db, channelID)
	if err != nil {
		return err
	}
	author, err := marshalText(msg.Author)
	if err != nil {
		return err
	}
	attachments := msg.Attachments
	if attachments == nil {
		attachments = []LogAttachment{}
	}
	attachmentsText, err := marshalText(attachments)
	if err != nil {
		return err
	}
	linked := msg.LinkedIDs
	if linked == nil {
		linked = []string{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+postgresMessagesTable+`
			(log_key, message_id, linked_ids, author_id, author_mod, author, type, content, attachments, sent_at, edited)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		key, msg.MessageID, pq.Array(linked), msg.Author.ID, msg.Author.Mod, author, string(msg.Type),
		msg.Content, attachmentsText, msg.Timestamp.UTC(), msg.Edited)
	return err
}

func (s *PostgresLogStore) EditMessage(ctx context.Context, messageID, content string) error {
	return s.updateMessage(ctx, messageID, "content = $2, edited = TRUE", content)
}

func (s *PostgresLogStore) SetMessageType(ctx context.Context, messageID string, typ MessageType) error {
	return s.updateMessage(ctx, messageID, "type = $2", string(typ))
}

func (s *PostgresLogStore) updateMessage(ctx context.Context, messageID, set string, value any) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE `+postgresMessagesTable+` SET `+set+` WHERE message_id = $1`, messageID, value)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	return nil
}

const postgresLogColumns = `key, open, created_at, closed_at, channel_id, guild_id, bot_id, recipient, creator, closer, close_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogHeader(row rowScanner) (LogEntry, error) {
	var (
		entry     LogEntry
		closedAt  sql.NullTime
		recipient string
		creator   string
		closer    sql.NullString
	)
	err := row.Scan(&entry.Key, &entry.Open, &entry.CreatedAt, &closedAt, &entry.ChannelID, &entry.GuildID,
		&entry.BotID, &recipient, &creator, &closer, &entry.CloseMessage)
	if err != nil {
		return LogEntry{}, err
	}
	if closedAt.Valid {
		ts := closedAt.Time.UTC()
		entry.ClosedAt = &ts
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(recipient), &entry.Recipient); err != nil {
		return LogEntry{}, fmt.Errorf("decode recipient of %s: %w", entry.Key, err)
	}
	if err := json.Unmarshal([]byte(creator), &entry.Creator); err != nil {
		return LogEntry{}, fmt.Errorf("decode creator of %s: %w", entry.Key, err)
	}
	if closer.Valid && closer.String != "" {
		var author LogAuthor
		if err := json.Unmarshal([]byte(closer.String), &author); err != nil {
			return LogEntry{}, fmt.Errorf("decode closer of %s: %w", entry.Key, err)
		}
		entry.Closer = &author
	}
	return entry, nil
}

func (s *PostgresLogStore) loadMessages(ctx context.Context, key string, limit int) ([]ThreadMessage, error) {
	query := `SELECT message_id, linked_ids, author, type, content, attachments, sent_at, edited
		FROM ` + postgresMessagesTable + ` WHERE log_key = $1 ORDER BY id ASC`
	args := []any{key}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ThreadMessage, 0)
	for rows.Next() {
		msg, err := scanThreadMessage(rows)
		if err != nil {
			return nil, err
		}
		msg.Key = key
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanThreadMessage(row rowScanner) (ThreadMessage, error) {
	var (
		msg         ThreadMessage
		linked      []string
		author      string
		typ         string
		attachments string
	)
	if err := row.Scan(&msg.MessageID, pq.Array(&linked), &author, &typ, &msg.Content, &attachments, &msg.Timestamp, &msg.Edited); err != nil {
		return ThreadMessage{}, err
	}
	msg.LinkedIDs = compactIDs(linked)
	msg.Type = MessageType(typ)
	msg.Timestamp = msg.Timestamp.UTC()
	if err := json.Unmarshal([]byte(author), &msg.Author); err != nil {
		return ThreadMessage{}, err
	}
	if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
		return ThreadMessage{}, err
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = nil
	}
	return msg, nil
}

// queryEntries loads matching log headers, then their messages. A positive
// messageLimit truncates each log to its first messages.
func (s *PostgresLogStore) queryEntries(ctx context.Context, where string, args []any, limit, messageLimit int) ([]LogEntry, error) {
	return s.queryEntriesOrdered(ctx, where, args, "created_at ASC", limit, messageLimit)
}

func (s *PostgresLogStore) queryEntriesOrdered(ctx context.Context, where string, args []any, order string, limit, messageLimit int) ([]LogEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := `SELECT ` + postgresLogColumns + ` FROM ` + postgresLogsTable
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY ` + order
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	entries := make([]LogEntry, 0)
	for rows.Next() {
		entry, err := scanLogHeader(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range entries {
		msgs, err := s.loadMessages(ctx, entries[i].Key, messageLimit)
		if err != nil {
			return nil, err
		}
		entries[i].Messages = msgs
	}
	return entries, nil
}

func (s *PostgresLogStore) queryOne(ctx context.Context, where string, args []any, order string, messageLimit int, notFound string) (LogEntry, error) {
	if err := s.ensureReady(); err != nil {
		return LogEntry{}, err
	}
	query := `SELECT ` + postgresLogColumns + ` FROM ` + postgresLogsTable + ` WHERE ` + where + ` ORDER BY ` + order + ` LIMIT 1`
	entry, err := scanLogHeader(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return LogEntry{}, fmt.Errorf("%w: %s", ErrNotFound, notFound)
	}
	if err != nil {
		return LogEntry{}, err
	}
	entry.Messages, err = s.loadMessages(ctx, entry.Key, messageLimit)
	if err != nil {
		return LogEntry{}, err
	}
	return entry, nil
}

func (s *PostgresLogStore) GetOpenEntries(ctx context.Context) ([]LogEntry, error) {
	return s.queryEntries(ctx, "open = TRUE", nil, 0, 0)
}

func (s *PostgresLogStore) GetEntry(ctx context.Context, key string) (LogEntry, error) {
	return s.queryOne(ctx, "key = $1", []any{key}, "created_at DESC", 0, "log "+key)
}

func (s *PostgresLogStore) GetEntryByChannel(ctx context.Context, channelID string) (LogEntry, error) {
	return s.queryOne(ctx, "channel_id = $1", []any{channelID}, "created_at DESC", 0, "log for channel "+channelID)
}

func (s *PostgresLogStore) GetMessagePayload(ctx context.Context, channelID, messageID string) (ThreadMessage, error) {
	if err := s.ensureReady(); err != nil {
		return ThreadMessage{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT m.log_key, m.message_id, m.linked_ids, m.author, m.type, m.content, m.attachments, m.sent_at, m.edited
		FROM `+postgresMessagesTable+` m
		JOIN `+postgresLogsTable+` l ON l.key = m.log_key
		WHERE l.channel_id = $1 AND (m.message_id = $2 OR $2 = ANY(m.linked_ids))
		ORDER BY l.created_at DESC, m.id ASC
		LIMIT 1`, channelID, messageID)
	var key string
	msg, err := scanThreadMessage(prefixedScanner{row: row, first: &key})
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadMessage{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return ThreadMessage{}, err
	}
	msg.Key = key
	return msg, nil
}

// prefixedScanner scans one leading column into first before the message columns.
type prefixedScanner struct {
	row   rowScanner
	first any
}

func (p prefixedScanner) Scan(dest ...any) error {
	return p.row.Scan(append([]any{p.first}, dest...)...)
}

func guildClause(where string, args []any, guildID string) (string, []any) {
	if guildID == "" {
		return where, args
	}
	args = append(args, guildID)
	return fmt.Sprintf("%s AND guild_id = $%d", where, len(args)), args
}

func (s *PostgresLogStore) GetUserLogs(ctx context.Context, guildID, userID string) ([]LogEntry, error) {
	where, args := guildClause("recipient_id = $1", []any{userID}, guildID)
	return s.queryEntries(ctx, where, args, 0, logPreviewMessages)
}

func (s *PostgresLogStore) GetLatestUserLog(ctx context.Context, guildID, userID string) (LogEntry, error) {
	where, args := guildClause("recipient_id = $1 AND open = FALSE AND closed_at IS NOT NULL", []any{userID}, guildID)
	return s.queryOne(ctx, where, args, "closed_at DESC", logPreviewMessages, "closed logs for user "+userID)
}

func (s *PostgresLogStore) FinalizeEntry(ctx context.Context, channelID string, data CloseData) (LogEntry, error) {
	if err := s.ensureReady(); err != nil {
		return LogEntry{}, err
	}
	closer, err := marshalText(data.Closer)
	if err != nil {
		return LogEntry{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LogEntry{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	key, err := s.latestKeyForChannel(ctx, tx, channelID)
	if err != nil {
		return LogEntry{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE `+postgresLogsTable+`
		SET open = FALSE, closed_at = $2, closer_id = $3, closer = $4, close_message = $5
		WHERE key = $1`, key, data.ClosedAt.UTC(), data.Closer.ID, closer, data.CloseMessage)
	if err != nil {
		return LogEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return LogEntry{}, err
	}
	committed = true
	return s.GetEntry(ctx, key)
}

func (s *PostgresLogStore) SearchByText(ctx context.Context, guildID, text string, limit int) ([]LogEntry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: search text is required", ErrInvalidInput)
	}
	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(text) + "%"
	where := `open = FALSE AND (key ILIKE $1 OR EXISTS (
		SELECT 1 FROM ` + postgresMessagesTable + ` m
		WHERE m.log_key = ` + postgresLogsTable + `.key AND (m.content ILIKE $1 OR m.author ILIKE $1)))`
	where, args := guildClause(where, []any{pattern}, guildID)
	return s.queryEntries(ctx, where, args, limit, logPreviewMessages)
}

func (s *PostgresLogStore) SearchClosedBy(ctx context.Context, guildID, userID string) ([]LogEntry, error) {
	where, args := guildClause("open = FALSE AND closer_id = $1", []any{userID}, guildID)
	return s.queryEntries(ctx, where, args, 0, logPreviewMessages)
}

func (s *PostgresLogStore) SearchResponded(ctx context.Context, userID string) ([]LogEntry, error) {
	where := `open = FALSE AND EXISTS (
		SELECT 1 FROM ` + postgresMessagesTable + ` m
		WHERE m.log_key = ` + postgresLogsTable + `.key AND m.author_id = $1 AND m.author_mod AND m.type IN ($2, $3))`
	return s.queryEntries(ctx, where, []any{userID, string(MessageTypeNormal), string(MessageTypeAnonymous)}, 0, 0)
}

func (s *PostgresLogStore) ListClosedSince(ctx context.Context, since time.Time, limit int) ([]LogEntry, error) {
	return s.queryEntriesOrdered(ctx, "open = FALSE AND closed_at > $1", []any{since.UTC()}, "closed_at ASC, key ASC", limit, 0)
}

func (s *PostgresLogStore) DeleteEntry(ctx context.Context, key string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+postgresLogsTable+` WHERE key = $1`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *PostgresLogStore) DeleteAll(ctx context.Context) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+postgresLogsTable)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresLogStore) CreateNote(ctx context.Context, note Note) (Note, error) {
	if strings.TrimSpace(note.RecipientID) == "" {
		return Note{}, fmt.Errorf("%w: note recipient is required", ErrInvalidInput)
	}
	if err := s.ensureReady(); err != nil {
		return Note{}, err
	}
	if note.ID == "" {
		note.ID = newNoteID()
	}
	author, err := marshalText(note.Author)
	if err != nil {
		return Note{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+postgresNotesTable+` (id, recipient_id, author, message, message_id)
		VALUES ($1, $2, $3, $4, $5)`, note.ID, note.RecipientID, author, note.Message, note.MessageID)
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

func (s *PostgresLogStore) FindNotes(ctx context.Context, recipientID string) ([]Note, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, author, message, message_id
		FROM `+postgresNotesTable+` WHERE recipient_id = $1 ORDER BY id ASC`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	notes := make([]Note, 0)
	for rows.Next() {
		var note Note
		var author string
		if err := rows.Scan(&note.ID, &note.RecipientID, &author, &note.Message, &note.MessageID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(author), &note.Author); err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func (s *PostgresLogStore) UpdateNoteIDs(ctx context.Context, ids map[string]string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	for noteID, messageID := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE `+postgresNotesTable+` SET message_id = $2 WHERE id = $1`, noteID, messageID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresLogStore) DeleteNote(ctx context.Context, messageID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+postgresNotesTable+` WHERE message_id = $1`, messageID)
	return err
}

func (s *PostgresLogStore) EditNote(ctx context.Context, messageID, message string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE `+postgresNotesTable+` SET message = $2 WHERE message_id = $1`, messageID, message)
	return err
}

func (s *PostgresLogStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
