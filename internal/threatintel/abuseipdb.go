package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cloakroute/edge/internal/config"
)

// AbuseIPDB queries the AbuseIPDB v2 check endpoint. The verdict score is
// the reported abuse confidence.
type AbuseIPDB struct {
	cfg    config.AbuseIPDBConfig
	client *http.Client
}

// NewAbuseIPDB builds the provider.
func NewAbuseIPDB(cfg config.AbuseIPDBConfig, client *http.Client) *AbuseIPDB {
	return &AbuseIPDB{cfg: cfg, client: client}
}

func (a *AbuseIPDB) Name() string { return "abuseipdb" }

type abuseResponse struct {
	Data struct {
		AbuseConfidenceScore float64 `json:"abuseConfidenceScore"`
		TotalReports         int     `json:"totalReports"`
		UsageType            string  `json:"usageType"`
		IsTor                bool    `json:"isTor"`
	} `json:"data"`
}

func (a *AbuseIPDB) Check(ctx context.Context, ip string) (*Verdict, error) {
	endpoint := fmt.Sprintf("%s/check?ipAddress=%s&maxAgeInDays=90", a.cfg.BaseURL, url.QueryEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("abuseipdb request: %w", err)
	}
	req.Header.Set("Key", a.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("abuseipdb: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("abuseipdb: unexpected status %d", resp.StatusCode)
	}

	var body abuseResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("abuseipdb decode: %w", err)
	}

	verdict := &Verdict{
		Provider: a.Name(),
		Score:    body.Data.AbuseConfidenceScore,
		Weight:   a.cfg.Weight,
		Reliable: body.Data.TotalReports >= a.cfg.MinReports,
		Summary:  fmt.Sprintf("%d reports, confidence %.0f", body.Data.TotalReports, body.Data.AbuseConfidenceScore),
	}
	if body.Data.IsTor {
		verdict.Categories = append(verdict.Categories, "tor")
	}
	if strings.Contains(strings.ToLower(body.Data.UsageType), "data center") {
		verdict.Categories = append(verdict.Categories, "datacenter")
	}
	if body.Data.TotalReports > 0 {
		verdict.Categories = append(verdict.Categories, "abuse_reports")
	}
	return verdict, nil
}
