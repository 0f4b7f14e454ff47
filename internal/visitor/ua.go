package visitor

import (
	"strconv"
	"strings"

	"github.com/ua-parser/uap-go/uaparser"
)

// UAInfo is the parsed user agent. Zero values mean the parser could not
// identify the component.
type UAInfo struct {
	Browser        string
	BrowserVersion string
	BrowserMajor   int
	OS             string
	OSVersion      string
	DeviceFamily   string
	DeviceType     string
}

// UAParser wraps the shared user-agent definition database. Safe for
// concurrent use; construct once at startup.
type UAParser struct {
	parser *uaparser.Parser
}

// NewUAParser builds a parser from the compiled-in definitions.
func NewUAParser() *UAParser {
	return &UAParser{parser: uaparser.NewFromSaved()}
}

// Parse extracts browser, OS and device family from a raw user agent.
func (p *UAParser) Parse(ua string) UAInfo {
	if ua == "" {
		return UAInfo{DeviceType: deviceTypeFromUA("", "")}
	}

	client := p.parser.Parse(ua)

	info := UAInfo{}
	if client.UserAgent != nil && client.UserAgent.Family != "Other" {
		info.Browser = client.UserAgent.Family
		info.BrowserVersion = joinVersion(client.UserAgent.Major, client.UserAgent.Minor, client.UserAgent.Patch)
		info.BrowserMajor = parseMajor(client.UserAgent.Major)
	}
	if client.Os != nil && client.Os.Family != "Other" {
		info.OS = client.Os.Family
		info.OSVersion = joinVersion(client.Os.Major, client.Os.Minor, client.Os.Patch)
	}
	if client.Device != nil {
		info.DeviceFamily = client.Device.Family
	}
	info.DeviceType = deviceTypeFromUA(ua, info.DeviceFamily)
	return info
}

func joinVersion(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			break
		}
		out = append(out, p)
	}
	return strings.Join(out, ".")
}

func parseMajor(major string) int {
	if major == "" {
		return 0
	}
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0
	}
	return n
}

// deviceTypeFromUA buckets the visitor into the coarse device classes the
// targeting rules speak: desktop, mobile, tablet or bot.
func deviceTypeFromUA(ua, deviceFamily string) string {
	if deviceFamily == "Spider" {
		return "bot"
	}
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return "tablet"
	case strings.Contains(lower, "mobi") || strings.Contains(lower, "iphone") || strings.Contains(lower, "android"):
		return "mobile"
	default:
		return "desktop"
	}
}
