// Package traffic is the asynchronous visit log: every decided request
// yields one Record for the primary store and one MetricPoint for the
// time-series store. Both travel through a bounded in-process queue so the
// decision path never waits on a database write.
package traffic

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Record is one append-only visit line.
type Record struct {
	ID             string
	CampaignID     int64
	StreamID       *int64
	VisitorID      string // fingerprint hash
	IP             string
	UserAgent      string
	Referer        string
	Country        string
	City           string
	DeviceType     string
	Browser        string
	OS             string
	IsBot          bool
	BotScore       float64
	Decision       string // money or safe
	PageShown      string
	ResponseTimeMs int64
	CreatedAt      time.Time
}

// Stamp fills the generated fields when the caller left them zero.
func (r *Record) Stamp() {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

// MetricPoint is one time-series sample. Tags are stored as JSONB.
type MetricPoint struct {
	Time       time.Time
	CampaignID int64
	StreamID   *int64
	MetricType string
	Value      float64
	Tags       map[string]string
}

// PageView derives the per-request metric point from its record.
func PageView(rec *Record) *MetricPoint {
	return &MetricPoint{
		Time:       rec.CreatedAt,
		CampaignID: rec.CampaignID,
		StreamID:   rec.StreamID,
		MetricType: "page_view",
		Value:      1,
		Tags: map[string]string{
			"is_bot":           strconv.FormatBool(rec.IsBot),
			"page_shown":       rec.PageShown,
			"country":          rec.Country,
			"device":           rec.DeviceType,
			"browser":          rec.Browser,
			"response_time_ms": strconv.FormatInt(rec.ResponseTimeMs, 10),
		},
	}
}
