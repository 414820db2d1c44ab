package store

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"iter"
	"time"

	"hastypaste/pkg/domain"
	"hastypaste/svc/util"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

const (
	defaultQueryTimeout = 5 * time.Second
	sqliteListBatch     = 256
)

type SQLiteOpts struct {
	Path         string
	MaxOpenConns int
	QueryTimeout time.Duration
}

// SQLite keeps the same record as the disk backend, meta JSON plus raw
// bytes, in one row per paste. expire_at duplicates the meta expiry so the
// cleaner can find expired rows without decoding every record.
type SQLite struct {
	db           *sql.DB
	queryTimeout time.Duration
	cb           *gobreaker.CircuitBreaker
}

func NewSQLite(o SQLiteOpts) (*SQLite, error) {
	db, err := sql.Open("sqlite3", o.Path)
	if err != nil {
		return nil, domain.NewOpError("open sqlite", domain.ErrConfig, err)
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 10
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetMaxIdleConns(o.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, domain.NewOpError("ping sqlite", domain.ErrConfig, err)
	}
	s := &SQLite{
		db:           db,
		queryTimeout: o.QueryTimeout,
		cb:           util.NewBreaker(util.DefaultBreakerOpts("sqlite_store")),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, domain.NewOpError("migrate sqlite", domain.ErrConfig, err)
	}
	return s, nil
}
func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		meta TEXT NOT NULL,
		content BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		expire_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expire_at ON pastes(expire_at);
	`)
	return err
}

// run executes fn under the query timeout and the breaker. Context errors
// from the caller do not count against the breaker.
func (s *SQLite) run(ctx context.Context, op, id string, fn func(ctx context.Context) error) error {
	var callerErr error
	_, err := s.cb.Execute(func() (interface{}, error) {
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
		err := fn(queryCtx)
		if err != nil && ctx.Err() != nil {
			callerErr = ctx.Err()
			return nil, nil
		}
		return nil, err
	})
	if callerErr != nil {
		return callerErr
	}
	if err != nil {
		return storageErr("sqlite", op, id, err)
	}
	return nil
}

func (s *SQLite) WritePaste(ctx context.Context, id string, meta *domain.PasteMeta, content io.Reader) error {
	if err := domain.ValidateID(id); err != nil {
		return err
	}
	header, err := domain.EncodeMeta(meta)
	if err != nil {
		return errors.Wrap(err, "encode meta")
	}
	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, content); err != nil {
		return errors.Wrapf(err, "write paste %s", id)
	}
	var expireAt interface{}
	if meta.ExpireDT != nil {
		expireAt = meta.ExpireDT.UTC()
	}
	return s.run(ctx, "insert", id, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO pastes (id, meta, content, created_at, expire_at) VALUES (?, ?, ?, ?, ?)`,
			id, string(header), buf.Bytes(), meta.CreationDT.UTC(), expireAt,
		)
		return err
	})
}
func (s *SQLite) ReadMeta(ctx context.Context, id string) (*domain.PasteMeta, bool, error) {
	if err := domain.ValidateID(id); err != nil {
		return nil, false, err
	}
	var (
		header string
		found  bool
	)
	err := s.run(ctx, "get_meta", id, func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, `SELECT meta FROM pastes WHERE id = ?`, id).Scan(&header)
		if err == sql.ErrNoRows {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil || !found {
		return nil, false, err
	}
	m, err := domain.DecodeMeta([]byte(header))
	if err != nil {
		return nil, false, errors.Wrapf(err, "paste %s", id)
	}
	return m, true, nil
}
func (s *SQLite) ReadRaw(ctx context.Context, id string) ([]byte, bool, error) {
	if err := domain.ValidateID(id); err != nil {
		return nil, false, err
	}
	var (
		raw   []byte
		found bool
	)
	err := s.run(ctx, "get_raw", id, func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, `SELECT content FROM pastes WHERE id = ?`, id).Scan(&raw)
		if err == sql.ErrNoRows {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil || !found {
		return nil, false, err
	}
	if raw == nil {
		raw = []byte{}
	}
	return raw, true, nil
}

// IDs walks the table in primary key order, one batch per query, so no
// cursor stays open while the caller works.
func (s *SQLite) IDs(ctx context.Context) iter.Seq2[string, error] {
	return s.keyset(ctx, `SELECT id FROM pastes WHERE id > ? ORDER BY id LIMIT ?`)
}

// ExpiredIDs yields ids whose expiry is before now.
func (s *SQLite) ExpiredIDs(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	return s.keyset(ctx, `SELECT id FROM pastes WHERE id > ? AND expire_at IS NOT NULL AND expire_at < ? ORDER BY id LIMIT ?`, now.UTC())
}
func (s *SQLite) keyset(ctx context.Context, q string, extra ...interface{}) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		after := ""
		for {
			var batch []string
			err := s.run(ctx, "list", "", func(ctx context.Context) error {
				args := append(append([]interface{}{after}, extra...), sqliteListBatch)
				rows, err := s.db.QueryContext(ctx, q, args...)
				if err != nil {
					return err
				}
				defer rows.Close()
				for rows.Next() {
					var id string
					if err := rows.Scan(&id); err != nil {
						return err
					}
					batch = append(batch, id)
				}
				return rows.Err()
			})
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range batch {
				if !yield(id, nil) {
					return
				}
			}
			if len(batch) < sqliteListBatch {
				return
			}
			after = batch[len(batch)-1]
		}
	}
}
func (s *SQLite) DeletePaste(ctx context.Context, id string) error {
	if err := domain.ValidateID(id); err != nil {
		return err
	}
	return s.run(ctx, "delete", id, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM pastes WHERE id = ?`, id)
		return err
	})
}
func (s *SQLite) Ping(ctx context.Context) error {
	return s.run(ctx, "ping", "", func(ctx context.Context) error {
		var result int
		return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	})
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
