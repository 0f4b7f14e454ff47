package traffic

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Store persists drained batches. Records and points may live in different
// databases (plain Postgres vs a Timescale-flavored one), so the two sides
// are separate calls.
type Store interface {
	InsertRecords(ctx context.Context, recs []*Record) error
	InsertPoints(ctx context.Context, pts []*MetricPoint) error
}

// PostgresStore writes records to the primary pool and points to the
// time-series pool. Both may be the same *sql.DB.
type PostgresStore struct {
	db   *sql.DB
	tsdb *sql.DB
}

// NewPostgresStore wraps the two pools. Pass the primary pool twice when no
// dedicated time-series store is configured.
func NewPostgresStore(db, tsdb *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, tsdb: tsdb}
}

func (s *PostgresStore) InsertRecords(ctx context.Context, recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO traffic_records
		(id, campaign_id, stream_id, visitor_id, ip, user_agent, referer,
		 country, city, device_type, browser, os,
		 is_bot, bot_score, decision, page_shown, response_time_ms, created_at)
		VALUES `)

	const cols = 18
	args := make([]interface{}, 0, len(recs)*cols)
	for i, rec := range recs {
		if i > 0 {
			b.WriteByte(',')
		}
		writePlaceholders(&b, i*cols, cols)
		args = append(args,
			rec.ID, rec.CampaignID, rec.StreamID, rec.VisitorID, rec.IP,
			rec.UserAgent, rec.Referer, rec.Country, rec.City, rec.DeviceType,
			rec.Browser, rec.OS, rec.IsBot, rec.BotScore, rec.Decision,
			rec.PageShown, rec.ResponseTimeMs, rec.CreatedAt)
	}

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert %d traffic records: %w", len(recs), err)
	}
	return nil
}

func (s *PostgresStore) InsertPoints(ctx context.Context, pts []*MetricPoint) error {
	if len(pts) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO metric_points (time, campaign_id, stream_id, metric_type, value, tags) VALUES ")

	const cols = 6
	args := make([]interface{}, 0, len(pts)*cols)
	for i, pt := range pts {
		if i > 0 {
			b.WriteByte(',')
		}
		writePlaceholders(&b, i*cols, cols)

		tags, err := json.Marshal(pt.Tags)
		if err != nil {
			return fmt.Errorf("encode metric tags: %w", err)
		}
		args = append(args, pt.Time, pt.CampaignID, pt.StreamID, pt.MetricType, pt.Value, tags)
	}

	if _, err := s.tsdb.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert %d metric points: %w", len(pts), err)
	}
	return nil
}

// writePlaceholders appends "($n+1, ..., $n+count)" to b.
func writePlaceholders(b *strings.Builder, offset, count int) {
	b.WriteByte('(')
	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "$%d", offset+i+1)
	}
	b.WriteByte(')')
}
