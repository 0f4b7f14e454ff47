package threatintel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cloakroute/edge/internal/config"
)

// VirusTotal queries the VirusTotal v3 IP endpoint. The verdict score is
// the share of engines that flagged the address.
type VirusTotal struct {
	cfg    config.VirusTotalConfig
	client *http.Client
}

// NewVirusTotal builds the provider. client may be shared across providers.
func NewVirusTotal(cfg config.VirusTotalConfig, client *http.Client) *VirusTotal {
	return &VirusTotal{cfg: cfg, client: client}
}

func (v *VirusTotal) Name() string { return "virustotal" }

type vtResponse struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats struct {
				Malicious  int `json:"malicious"`
				Suspicious int `json:"suspicious"`
				Harmless   int `json:"harmless"`
				Undetected int `json:"undetected"`
			} `json:"last_analysis_stats"`
			Reputation int `json:"reputation"`
		} `json:"attributes"`
	} `json:"data"`
}

func (v *VirusTotal) Check(ctx context.Context, ip string) (*Verdict, error) {
	url := fmt.Sprintf("%s/ip_addresses/%s", v.cfg.BaseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("virustotal request: %w", err)
	}
	req.Header.Set("x-apikey", v.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("virustotal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("virustotal: unexpected status %d", resp.StatusCode)
	}

	var body vtResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("virustotal decode: %w", err)
	}

	stats := body.Data.Attributes.LastAnalysisStats
	total := stats.Malicious + stats.Suspicious + stats.Harmless + stats.Undetected
	verdict := &Verdict{
		Provider: v.Name(),
		Weight:   v.cfg.Weight,
		Reliable: total >= v.cfg.MinEngines,
	}
	if total > 0 {
		verdict.Score = (float64(stats.Malicious) + 0.5*float64(stats.Suspicious)) / float64(total) * 100
	}
	if stats.Malicious > 0 {
		verdict.Categories = append(verdict.Categories, "malicious")
	}
	if stats.Suspicious > 0 {
		verdict.Categories = append(verdict.Categories, "suspicious")
	}
	verdict.Summary = fmt.Sprintf("%d/%d engines flagged", stats.Malicious+stats.Suspicious, total)
	return verdict, nil
}
