package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one journaled approval decision.
type Record struct {
	ID             string    `db:"id" json:"id"`
	Kind           string    `db:"kind" json:"kind"`
	Key            string    `db:"approval_key" json:"key"`
	Decision       string    `db:"decision" json:"decision"`
	Source         string    `db:"source" json:"source"`
	ConversationID string    `db:"conversation_id" json:"conversationId,omitempty"`
	CallID         string    `db:"call_id" json:"callId,omitempty"`
	Note           string    `db:"note" json:"note,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// Journal persists approval decisions.
type Journal interface {
	Record(ctx context.Context, rec Record) error
}

// SQLiteJournal stores approval decisions in SQLite.
type SQLiteJournal struct {
	db     *sqlx.DB
	ownsDB bool
}

var _ Journal = (*SQLiteJournal)(nil)

// OpenSQLiteJournal opens (or creates) the journal database at path.
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open approval journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	j, err := NewSQLiteJournal(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.ownsDB = true
	return j, nil
}

// NewSQLiteJournal uses an existing database handle. Close leaves db open.
func NewSQLiteJournal(db *sqlx.DB) (*SQLiteJournal, error) {
	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		return nil, fmt.Errorf("approval journal schema init: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS approval_decisions (
		id              TEXT PRIMARY KEY,
		kind            TEXT NOT NULL,
		approval_key    TEXT NOT NULL,
		decision        TEXT NOT NULL,
		source          TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		call_id         TEXT NOT NULL DEFAULT '',
		note            TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_approval_decisions_created ON approval_decisions(created_at);
	CREATE INDEX IF NOT EXISTS idx_approval_decisions_key ON approval_decisions(approval_key);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record inserts rec.
func (j *SQLiteJournal) Record(ctx context.Context, rec Record) error {
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO approval_decisions (id, kind, approval_key, decision, source, conversation_id, call_id, note, created_at)
		VALUES (:id, :kind, :approval_key, :decision, :source, :conversation_id, :call_id, :note, :created_at)`,
		rec)
	if err != nil {
		return fmt.Errorf("insert approval decision: %w", err)
	}
	return nil
}

// Recent returns up to limit decisions, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Record
	err := j.db.SelectContext(ctx, &out, `
		SELECT id, kind, approval_key, decision, source, conversation_id, call_id, note, created_at
		FROM approval_decisions ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list approval decisions: %w", err)
	}
	return out, nil
}

// Close closes the database if the journal opened it.
func (j *SQLiteJournal) Close() error {
	if !j.ownsDB {
		return nil
	}
	return j.db.Close()
}
