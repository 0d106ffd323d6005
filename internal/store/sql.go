package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/topaibot/internal/logging"
	"github.com/roelfdiedericks/topaibot/internal/paths"
)

// Schema version for migrations
const currentSchemaVersion = 1

// Options configures Open.
type Options struct {
	Driver       string // "sqlite3" (default) or "pgx"
	DSN          string // sqlite file path or postgres URL; empty sqlite DSN = ~/.topaibot/topaibot.db
	MaxOpenConns int    // pool ceiling shared by all handlers
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Option customizes a SQLStore.
type Option func(*SQLStore)

// WithClock replaces time.Now for record timestamps and upserts.
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) { s.now = now }
}

// Open connects to the configured backend, sizes the pool and migrates.
func Open(ctx context.Context, opts Options, options ...Option) (*SQLStore, error) {
	var d dialect
	dsn := opts.DSN

	switch opts.Driver {
	case "", sqliteDialect.driver:
		d = sqliteDialect
		if dsn == "" {
			p, err := paths.DataPath("topaibot.db")
			if err != nil {
				return nil, fmt.Errorf("failed to resolve database path: %w", err)
			}
			dsn = p
		}
		expanded, err := paths.ExpandTilde(dsn)
		if err != nil {
			return nil, err
		}
		dsn = expanded
		if !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
			if err := paths.EnsureParentDir(dsn); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
		}
	case postgresDialect.driver:
		d = postgresDialect
		if dsn == "" {
			return nil, errors.New("postgres store requires a dsn")
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &SQLStore{db: db, dialect: d, now: time.Now}
	for _, o := range options {
		o(s)
	}

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("store: opened", "driver", d.driver, "maxOpenConns", maxConns)
	return s, nil
}

// Migrate brings the schema up to currentSchemaVersion.
func (s *SQLStore) Migrate(ctx context.Context) error {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist yet
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("store: schema up to date", "version", version)
		return nil
	}

	L_info("store: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := [][]string{
		s.dialect.schemaV1,
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration v%d: begin: %w", i+1, err)
		}
		for _, stmt := range migrations[i] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback() //nolint:errcheck
				return fmt.Errorf("migration v%d failed: %w", i+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), i+1, s.now().Unix()); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("migration v%d: record version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration v%d: commit: %w", i+1, err)
		}
		L_debug("store: applied migration", "version", i+1)
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

const upsertContactSQL = `
INSERT INTO contacts (phone, name, created_at, last_interaction_at) VALUES (?, ?, ?, ?)
ON CONFLICT (phone) DO UPDATE SET
	last_interaction_at = excluded.last_interaction_at,
	name = CASE WHEN excluded.name IS NOT NULL AND excluded.name <> '' THEN excluded.name ELSE contacts.name END
RETURNING id`

// UpsertContact implements Store.
func (s *SQLStore) UpsertContact(ctx context.Context, phone, name string) (int64, error) {
	return s.upsertContact(ctx, s.db, phone, name)
}

// queryer is satisfied by *sql.DB and *sql.Conn.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) upsertContact(ctx context.Context, q queryer, phone, name string) (int64, error) {
	now := s.now().Unix()
	nameArg := sql.NullString{String: strings.TrimSpace(name), Valid: strings.TrimSpace(name) != ""}

	var id int64
	err := q.QueryRowContext(ctx, s.q(upsertContactSQL), phone, nameArg, now, now).Scan(&id)
	if err != nil {
		return 0, opErr("upsert contact", err)
	}
	return id, nil
}

// AppendInteraction implements Store. The contact lookup and insert share
// one pooled connection that is always released.
func (s *SQLStore) AppendInteraction(ctx context.Context, phone, text, intent string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return opErr("acquire connection", err)
	}
	defer conn.Close()

	var contactID int64
	err = conn.QueryRowContext(ctx, s.q("SELECT id FROM contacts WHERE phone = ?"), phone).Scan(&contactID)
	if errors.Is(err, sql.ErrNoRows) {
		contactID, err = s.upsertContact(ctx, conn, phone, "")
		if err != nil {
			return fmt.Errorf("could not create contact for interaction: %w", err)
		}
	} else if err != nil {
		return opErr("lookup contact", err)
	}

	intentArg := sql.NullString{String: intent, Valid: intent != ""}
	_, err = conn.ExecContext(ctx,
		s.q("INSERT INTO interactions (contact_id, message, intent, created_at) VALUES (?, ?, ?, ?)"),
		contactID, text, intentArg, s.now().Unix())
	if err != nil {
		return opErr("insert interaction", err)
	}
	return nil
}

// RecentInteractions implements Store.
func (s *SQLStore) RecentInteractions(ctx context.Context, phone string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT i.message, i.intent, i.created_at FROM interactions i
		JOIN contacts c ON i.contact_id = c.id
		WHERE c.phone = ?
		ORDER BY i.created_at DESC, i.id DESC
		LIMIT ?`), phone, limit)
	if err != nil {
		return nil, opErr("recent interactions", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var (
			it     Interaction
			intent sql.NullString
			ts     int64
		)
		if err := rows.Scan(&it.Text, &intent, &ts); err != nil {
			return nil, opErr("scan interaction", err)
		}
		it.Intent = intent.String
		it.CreatedAt = time.Unix(ts, 0)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, opErr("recent interactions", err)
	}
	return out, nil
}

// CountInteractionsSince implements Store.
func (s *SQLStore) CountInteractionsSince(ctx context.Context, phone string, since time.Time) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM interactions i
		JOIN contacts c ON i.contact_id = c.id
		WHERE c.phone = ? AND i.created_at >= ?`), phone, since.Unix()).Scan(&total)
	if err != nil {
		return 0, opErr("count interactions", err)
	}
	return total, nil
}

// GetContact returns the stored contact for phone.
func (s *SQLStore) GetContact(ctx context.Context, phone string) (*Contact, error) {
	var (
		c         Contact
		name      sql.NullString
		createdAt int64
		lastAt    int64
	)
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT id, phone, name, created_at, last_interaction_at FROM contacts WHERE phone = ?"), phone).
		Scan(&c.ID, &c.Phone, &name, &createdAt, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, opErr("get contact", err)
	}
	c.Name = name.String
	c.CreatedAt = time.Unix(createdAt, 0)
	c.LastInteractionAt = time.Unix(lastAt, 0)
	return &c, nil
}

// Stats returns the pool statistics of the underlying database.
func (s *SQLStore) Stats() sql.DBStats {
	return s.db.Stats()
}

// Close releases the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
