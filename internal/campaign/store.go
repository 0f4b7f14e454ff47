package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const campaignColumns = "id, slug, status, money_url, safe_url, redirect_kind, created_at, updated_at"

// PostgresStore reads campaigns, streams, and targeting rules.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBySlug returns nil when no campaign carries the slug.
func (s *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE slug = $1", slug)

	var c Campaign
	err := row.Scan(&c.ID, &c.Slug, &c.Status, &c.MoneyURL, &c.SafeURL,
		&c.RedirectKind, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", slug, err)
	}
	return &c, nil
}

// StreamsForCampaign loads the active streams with their rules in one
// join, ordered by stream id so the weighted scan is stable.
func (s *PostgresStore) StreamsForCampaign(ctx context.Context, campaignID int64) ([]Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.campaign_id, s.name, s.weight, s.active, s.money_url, s.safe_url,
		       r.id, r.rule_type, r.operator, r.value, r.include
		FROM streams s
		LEFT JOIN targeting_rules r ON r.stream_id = s.id
		WHERE s.campaign_id = $1 AND s.active = true
		ORDER BY s.id, r.id`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load streams for campaign %d: %w", campaignID, err)
	}
	defer rows.Close()

	var streams []Stream
	byID := make(map[int64]int)
	for rows.Next() {
		var (
			st       Stream
			moneyURL sql.NullString
			safeURL  sql.NullString
			ruleID   sql.NullInt64
			ruleType sql.NullString
			operator sql.NullString
			value    sql.NullString
			include  sql.NullBool
		)
		if err := rows.Scan(&st.ID, &st.CampaignID, &st.Name, &st.Weight, &st.Active,
			&moneyURL, &safeURL, &ruleID, &ruleType, &operator, &value, &include); err != nil {
			return nil, fmt.Errorf("scan stream row: %w", err)
		}
		st.MoneyURL = moneyURL.String
		st.SafeURL = safeURL.String

		idx, seen := byID[st.ID]
		if !seen {
			streams = append(streams, st)
			idx = len(streams) - 1
			byID[st.ID] = idx
		}
		if ruleID.Valid {
			rule := TargetingRule{
				ID:       ruleID.Int64,
				StreamID: st.ID,
				RuleType: ruleType.String,
				Operator: operator.String,
				Value:    value.String,
				Include:  include.Bool,
			}
			rule.Values = decodeRuleValues(rule.Operator, rule.Value)
			streams[idx].Rules = append(streams[idx].Rules, rule)
		}
	}
	return streams, rows.Err()
}

// decodeRuleValues expands the stored value into an array for in/not_in.
// A JSON array is the canonical form; a bare comma list is tolerated.
func decodeRuleValues(operator, value string) []string {
	if operator != OpIn && operator != OpNotIn {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(value), &values); err == nil {
		return values
	}
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
