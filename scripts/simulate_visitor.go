package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cloakroute/edge/pkg/detect"
)

// Sends one human-looking and one automation-looking visitor at a live
// edge node through the detection SDK and prints both verdicts.
func main() {
	client := detect.NewClient(detect.Config{
		BaseURL: "http://localhost:8080",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println("🧍 Checking a plausible human visitor...")
	human, err := client.Check(ctx, &detect.Request{
		URL:        "https://pub.example/promo-1",
		CampaignID: "promo-1",
		Headers: map[string]string{
			"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Accept":          "text/html,application/xhtml+xml",
			"Accept-Language": "en-US,en;q=0.9",
			"Accept-Encoding": "gzip, deflate, br",
			"X-Forwarded-For": "203.0.113.5",
		},
	})
	if err != nil {
		log.Fatalf("❌ edge unreachable: %v", err)
	}
	fmt.Printf("   decision=%s confidence=%.2f isBot=%v\n\n", human.Decision, human.Confidence, human.Details.IsBot)

	fmt.Println("🤖 Checking a headless automation visitor...")
	bot, err := client.Check(ctx, &detect.Request{
		URL:        "https://pub.example/promo-1",
		CampaignID: "promo-1",
		Headers: map[string]string{
			"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36",
			"X-Forwarded-For": "198.51.100.7",
		},
		Fingerprint: map[string]interface{}{
			"webgl":       map[string]interface{}{"renderer": "SwiftShader"},
			"environment": map[string]interface{}{"timezone": "UTC", "languages": []string{"en-US"}, "plugins": []string{}},
		},
	})
	if err != nil {
		log.Fatalf("❌ edge unreachable: %v", err)
	}
	fmt.Printf("   decision=%s reason=%q isBot=%v redirect=%s\n", bot.Decision, bot.Reason, bot.Details.IsBot, bot.RedirectURL)
}
