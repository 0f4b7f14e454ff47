package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Load resolves the effective configuration: defaults, then the YAML file at
// path (missing file is fine), then environment overrides, then validation.
// Nothing re-reads the environment after startup.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over file values. Environment wins.
func applyEnv(c *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		c.Server.TrustedProxies = splitAndTrim(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("TIMESERIES_URL"); v != "" {
		c.Database.TimeseriesURL = v
	}
	if v := os.Getenv("GEOIP_DB"); v != "" {
		c.Geo.DBPath = v
	}

	if v := os.Getenv("DETECTION_ENABLED"); v != "" {
		c.Detection.Enabled = parseBool(v, c.Detection.Enabled)
	}
	if v := os.Getenv("BOT_THRESHOLD"); v != "" {
		c.Detection.BotThreshold = parseFloat(v, c.Detection.BotThreshold)
	}
	if v := os.Getenv("SUSPICIOUS_THRESHOLD"); v != "" {
		c.Detection.SuspiciousThreshold = parseFloat(v, c.Detection.SuspiciousThreshold)
	}
	if v := os.Getenv("TOR_LIST_URL"); v != "" {
		c.Detection.TorListURL = v
	}
	for name := range c.Detection.Weights {
		if v := os.Getenv("ANALYZER_WEIGHT_" + strings.ToUpper(name)); v != "" {
			c.Detection.Weights[name] = parseFloat(v, c.Detection.Weights[name])
		}
	}
	if v := os.Getenv("TOTAL_WEIGHT"); v != "" {
		c.Detection.TotalWeight = parseFloat(v, c.Detection.TotalWeight)
	}

	if v := os.Getenv("VIRUSTOTAL_API_KEY"); v != "" {
		c.ThreatIntel.Providers.VirusTotal.APIKey = v
		c.ThreatIntel.Providers.VirusTotal.Enabled = true
	}
	if v := os.Getenv("ABUSEIPDB_API_KEY"); v != "" {
		c.ThreatIntel.Providers.AbuseIPDB.APIKey = v
		c.ThreatIntel.Providers.AbuseIPDB.Enabled = true
	}
	if v := os.Getenv("THREAT_FALLBACK"); v != "" {
		c.ThreatIntel.Fallback = strings.ToLower(v)
	}

	if v := os.Getenv("PUBSUB_PROJECT"); v != "" {
		c.PubSub.ProjectID = v
		c.PubSub.Enabled = true
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		c.PubSub.Topic = v
	}
	if v := os.Getenv("PUBSUB_CREDENTIALS"); v != "" {
		c.PubSub.CredentialsFile = v
	}
}

func parseBool(v string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func parseFloat(v string, def float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
