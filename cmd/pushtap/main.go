package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sweeney/call-bridge/internal/publisher"
	"github.com/sweeney/call-bridge/internal/push"
)

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	topic := flag.String("topic", "callbridge/push", "Push topic to capture")
	clientID := flag.String("client-id", "pushtap", "MQTT client id")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := capture(ctx, *broker, *clientID, *topic, *outDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func capture(ctx context.Context, broker, clientID, topic, outDir string) error {
	fmt.Printf("connecting to %s...\n", broker)
	sub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{Broker: broker, ClientID: clientID, QoS: 1})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sub.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Printf("writing to %s\n", filename)

	var mu sync.Mutex
	err = sub.Subscribe(topic, func(t string, payload []byte) {
		ev, err := push.Decode(payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping undecodable message on %s: %v\n", t, err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(f, "# %s %s\n", t, time.Now().UTC().Format(time.RFC3339))
		if _, err := ev.WriteTo(f); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	fmt.Println("streaming events (ctrl+c to stop)...")
	<-ctx.Done()
	return nil
}

var (
	ipPattern     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern  = regexp.MustCompile(`\+?\b1?\d{10,14}\b`)
	secretPattern = regexp.MustCompile(`(?i)^((?:[a-z_]*token|secret|password|auth[a-z_]*):\s*).+`)
	namePattern   = regexp.MustCompile(`(?i)^((?:callerName|caller_name|sender_name):\s*).+`)
	avatarPattern = regexp.MustCompile(`(?i)^((?:avatarUrl|avatar_url):\s*)https?://.+`)
)

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Create backup
	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	return os.WriteFile(path, []byte(sanitizeText(string(data))), 0o644)
}

func sanitizeText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "#") {
			continue
		}

		line = secretPattern.ReplaceAllString(line, "${1}REDACTED")
		line = namePattern.ReplaceAllString(line, "${1}Test Caller")
		line = avatarPattern.ReplaceAllString(line, "${1}https://example.com/avatar.png")

		// Redact IPs (but preserve localhost)
		line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
			if ip == "127.0.0.1" {
				return ip
			}
			return "10.0.0.1"
		})
		line = phonePattern.ReplaceAllString(line, "15550001234")

		lines[i] = line
	}
	return strings.Join(lines, "\n")
}
