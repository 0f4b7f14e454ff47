package blacklist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const entryColumns = "id, ip, reason, detection_kind, confidence, first_detected_at, last_detected_at, expires_at"

// PostgresStore persists blacklist entries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LoadActive(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM blacklist WHERE expires_at IS NULL OR expires_at > now()")
	if err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blacklist row: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Lookup(ctx context.Context, ip string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM blacklist WHERE ip = $1", ip)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup blacklist %s: %w", ip, err)
	}
	return entry, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, entry *Entry) error {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO blacklist (ip, reason, detection_kind, confidence, first_detected_at, last_detected_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ip) DO UPDATE SET
			reason = EXCLUDED.reason,
			detection_kind = EXCLUDED.detection_kind,
			confidence = EXCLUDED.confidence,
			last_detected_at = EXCLUDED.last_detected_at,
			expires_at = EXCLUDED.expires_at
		RETURNING id`,
		entry.IP, entry.Reason, entry.DetectionKind, entry.Confidence,
		entry.FirstDetectedAt, entry.LastDetectedAt, entry.ExpiresAt)
	if err := row.Scan(&entry.ID); err != nil {
		return fmt.Errorf("upsert blacklist %s: %w", entry.IP, err)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM blacklist WHERE ip = $1", ip); err != nil {
		return fmt.Errorf("delete blacklist %s: %w", ip, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var expiresAt sql.NullTime
	err := row.Scan(&entry.ID, &entry.IP, &entry.Reason, &entry.DetectionKind,
		&entry.Confidence, &entry.FirstDetectedAt, &entry.LastDetectedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		entry.ExpiresAt = &expiresAt.Time
	}
	return &entry, nil
}
