package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/nano-chat/pkg/inference/engine"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

// storedPart is the YAML row form of a message part. Binary data lives in the attachments
// table and is referenced by Hash.
type storedPart struct {
	Type      engine.PartType `yaml:"type"`
	Text      string          `yaml:"text,omitempty"`
	MediaType string          `yaml:"media_type,omitempty"`
	Name      string          `yaml:"name,omitempty"`
	Hash      string          `yaml:"hash,omitempty"`
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conv_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			conv_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			parts_yaml TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (conv_id, idx),
			FOREIGN KEY (conv_id) REFERENCES conversations(conv_id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS attachments (
			content_hash TEXT PRIMARY KEY,
			hash_algorithm TEXT NOT NULL DEFAULT 'sha256-canonical-json-v1',
			media_type TEXT NOT NULL DEFAULT '',
			data BLOB NOT NULL,
			first_seen_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS message_attachments (
			conv_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			PRIMARY KEY (conv_id, idx, ordinal),
			FOREIGN KEY (conv_id, idx) REFERENCES messages(conv_id, idx) ON DELETE CASCADE,
			FOREIGN KEY (content_hash) REFERENCES attachments(content_hash)
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_updated ON conversations(updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS message_attachments_by_hash ON message_attachments(content_hash);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) nowMs() int64 {
	return s.now().UnixMilli()
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, title string) (ConversationRecord, error) {
	now := s.now()
	rec := ConversationRecord{
		ID:        uuid.NewString(),
		Title:     normalizeTitle(strings.TrimSpace(title)),
		CreatedAt: time.UnixMilli(now.UnixMilli()),
		UpdatedAt: time.UnixMilli(now.UnixMilli()),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations(conv_id, title, created_at_ms, updated_at_ms)
		VALUES(?, ?, ?, ?)
	`, rec.ID, rec.Title, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return ConversationRecord{}, errors.Wrap(err, "sqlite chat store: create conversation")
	}
	return rec, nil
}

const conversationColumns = `
	c.conv_id, c.title, c.created_at_ms, c.updated_at_ms,
	(SELECT COUNT(1) FROM messages m WHERE m.conv_id = c.conv_id)
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (ConversationRecord, error) {
	var (
		rec                  ConversationRecord
		createdMs, updatedMs int64
	)
	if err := row.Scan(&rec.ID, &rec.Title, &createdMs, &updatedMs, &rec.MessageCount); err != nil {
		return ConversationRecord{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdMs)
	rec.UpdatedAt = time.UnixMilli(updatedMs)
	return rec, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("sqlite chat store: convID is empty")
	}
	rec, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.conv_id = ?`, convID))
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationRecord{}, false, nil
	}
	if err != nil {
		return ConversationRecord{}, false, errors.Wrap(err, "sqlite chat store: get conversation")
	}
	return rec, true, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c
		 ORDER BY c.updated_at_ms DESC, c.created_at_ms DESC, c.conv_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	records := make([]ConversationRecord, 0, limit)
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan conversation")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate conversations")
	}
	return records, nil
}

func (s *SQLiteStore) RenameConversation(ctx context.Context, convID string, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at_ms = ? WHERE conv_id = ?`,
		normalizeTitle(strings.TrimSpace(title)), s.nowMs(), convID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: rename conversation")
	}
	return requireAffected(res, convID)
}

func requireAffected(res sql.Result, convID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrConversationNotFound, "conversation %s", convID)
	}
	return nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, convID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conv_id = ?`, convID)
		if err != nil {
			return errors.Wrap(err, "sqlite chat store: delete conversation")
		}
		if err := requireAffected(res, convID); err != nil {
			return err
		}
		return collectAttachments(ctx, tx)
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite chat store: commit")
	}
	return nil
}

// collectAttachments drops blobs no message references anymore.
func collectAttachments(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM attachments
		WHERE content_hash NOT IN (SELECT content_hash FROM message_attachments)
	`)
	return errors.Wrap(err, "sqlite chat store: collect attachments")
}

func (s *SQLiteStore) touch(ctx context.Context, tx *sql.Tx, convID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at_ms = ? WHERE conv_id = ?`, s.nowMs(), convID)
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: touch conversation")
	}
	return requireAffected(res, convID)
}

func (s *SQLiteStore) AddMessage(ctx context.Context, convID string, msg engine.Message) (int, error) {
	var idx int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touch(ctx, tx, convID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(idx) + 1, 0) FROM messages WHERE conv_id = ?`, convID).Scan(&idx); err != nil {
			return errors.Wrap(err, "sqlite chat store: next message index")
		}
		return s.insertMessage(ctx, tx, convID, idx, msg)
	})
	if err != nil {
		return 0, err
	}
	return idx, nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, tx *sql.Tx, convID string, idx int, msg engine.Message) error {
	partsYAML := ""
	var hashes []string
	if msg.HasParts() {
		parts := make([]storedPart, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			sp := storedPart{Type: p.Type, Text: p.Text, MediaType: p.MediaType, Name: p.Name}
			if len(p.Data) > 0 {
				hash, err := ComputeAttachmentHash(p)
				if err != nil {
					return errors.Wrap(err, "sqlite chat store: hash attachment")
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO attachments(content_hash, hash_algorithm, media_type, data, first_seen_at_ms)
					VALUES(?, ?, ?, ?, ?)
					ON CONFLICT(content_hash) DO NOTHING
				`, hash, AttachmentHashAlgorithmV1, p.MediaType, p.Data, s.nowMs()); err != nil {
					return errors.Wrap(err, "sqlite chat store: insert attachment")
				}
				sp.Hash = hash
				hashes = append(hashes, hash)
			}
			parts = append(parts, sp)
		}
		b, err := yaml.Marshal(parts)
		if err != nil {
			return errors.Wrap(err, "sqlite chat store: marshal parts")
		}
		partsYAML = string(b)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages(conv_id, idx, role, content, parts_yaml, created_at_ms)
		VALUES(?, ?, ?, ?, ?, ?)
	`, convID, idx, string(msg.Role), msg.Content, partsYAML, s.nowMs()); err != nil {
		return errors.Wrap(err, "sqlite chat store: insert message")
	}
	for ordinal, hash := range hashes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_attachments(conv_id, idx, ordinal, content_hash)
			VALUES(?, ?, ?, ?)
		`, convID, idx, ordinal, hash); err != nil {
			return errors.Wrap(err, "sqlite chat store: insert message attachment")
		}
	}
	return nil
}

type partRef struct {
	msg, part int
	hash      string
}

func (s *SQLiteStore) Messages(ctx context.Context, convID string) ([]engine.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, parts_yaml FROM messages
		WHERE conv_id = ?
		ORDER BY idx ASC
	`, convID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list messages")
	}
	defer func() { _ = rows.Close() }()

	var (
		out  []engine.Message
		refs []partRef
	)
	for rows.Next() {
		var role, content, partsYAML string
		if err := rows.Scan(&role, &content, &partsYAML); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		msg := engine.Message{Role: engine.Role(role), Content: content}
		if partsYAML != "" {
			var parts []storedPart
			if err := yaml.Unmarshal([]byte(partsYAML), &parts); err != nil {
				return nil, errors.Wrap(err, "sqlite chat store: unmarshal parts")
			}
			for j, sp := range parts {
				msg.Parts = append(msg.Parts, engine.Part{Type: sp.Type, Text: sp.Text, MediaType: sp.MediaType, Name: sp.Name})
				if sp.Hash != "" {
					refs = append(refs, partRef{msg: len(out), part: j, hash: sp.Hash})
				}
			}
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate messages")
	}
	_ = rows.Close()

	blobs := map[string][]byte{}
	for _, ref := range refs {
		data, ok := blobs[ref.hash]
		if !ok {
			if err := s.db.QueryRowContext(ctx,
				`SELECT data FROM attachments WHERE content_hash = ?`, ref.hash).Scan(&data); err != nil {
				return nil, errors.Wrapf(err, "sqlite chat store: load attachment %s", ref.hash)
			}
			blobs[ref.hash] = data
		}
		out[ref.msg].Parts[ref.part].Data = data
	}
	return out, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, convID string, index int, content string) error {
	msgs, err := s.Messages(ctx, convID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(msgs) {
		return errors.Errorf("sqlite chat store: message %d out of range for conversation %s", index, convID)
	}
	edited := editMessage(msgs[index], content)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touch(ctx, tx, convID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conv_id = ? AND idx >= ?`, convID, index); err != nil {
			return errors.Wrap(err, "sqlite chat store: drop edited messages")
		}
		if err := s.insertMessage(ctx, tx, convID, index, edited); err != nil {
			return err
		}
		return collectAttachments(ctx, tx)
	})
}

func (s *SQLiteStore) TruncateMessages(ctx context.Context, convID string, keep int) error {
	if keep < 0 {
		keep = 0
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touch(ctx, tx, convID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conv_id = ? AND idx >= ?`, convID, keep); err != nil {
			return errors.Wrap(err, "sqlite chat store: truncate messages")
		}
		return collectAttachments(ctx, tx)
	})
}
