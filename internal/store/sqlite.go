package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Klywood/Patentscope-scrapper/internal/patent"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

const insertPatent = `insert into patent (
	fingerprint, type, language, url, title, creators, applicant,
	publication_date, abstract, classification_code, keywords, collected_at
) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
on conflict (fingerprint) do nothing`

// SQLiteStore writes every batch in one transaction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func isRemote(dsn string) bool {
	for _, prefix := range []string{"libsql://", "http://", "https://", "wss://", "ws://"} {
		if strings.HasPrefix(dsn, prefix) {
			return true
		}
	}
	return false
}

// OpenSQLite opens a local sqlite file, or a libsql server when dsn is a
// libsql:// or http(s):// url, and creates the schema.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: a path was not specified", ErrPersistence)
	}

	var db *sql.DB
	var err error
	if isRemote(dsn) {
		db, err = sql.Open("libsql", dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrPersistence, dsn, err)
		}
	} else {
		_, statErr := os.Stat(dsn)
		if os.IsNotExist(statErr) {
			f, err := os.Create(dsn)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
			}
			f.Close()
		}

		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrPersistence, dsn, err)
		}
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
		_, err = db.Exec("PRAGMA journal_mode=WAL")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	_, err = db.Exec(Schema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", ErrPersistence, err)
	}
	return NewSQLiteStore(db), nil
}

// NewSQLiteStore wraps a database that already has the schema.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLiteStore) AppendBatch(ctx context.Context, records []patent.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	collectedAt := s.now().Unix()
	for _, r := range records {
		_, err = tx.ExecContext(
			ctx,
			insertPatent,
			r.Fingerprint(),
			r.Type,
			r.Language,
			r.URL,
			r.Title,
			nullable(strings.Join(r.Creators, ListSeparator)),
			r.Applicant,
			r.PublicationDate,
			r.Abstract,
			r.ClassificationCode,
			nullable(strings.Join(r.Keywords, ListSeparator)),
			collectedAt,
		)
		if err != nil {
			return fmt.Errorf("%w: insert %s: %v", ErrPersistence, r.URL, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "select count(*) from patent").Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
