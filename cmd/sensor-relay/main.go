package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ghalamif/SensorRelay"
	"github.com/ghalamif/SensorRelay/internal/adapters/httpapi"
	"github.com/ghalamif/SensorRelay/internal/adapters/observability"
)

var logger = observability.NewLogger("info", "console", os.Stderr)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "switch":
		err = switchCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		logger.Fatal().Err(err).Str("command", cmd).Msg("sensor-relay failed")
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to relay configuration file (defaults plus environment when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	rt, err := sensorrelay.NewRuntime(cfg, sensorrelay.WithLogger(log))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", cfg.Server.Addr).Bool("persistence", cfg.Timescale.Enabled()).Bool("latest_cache", cfg.Redis.Enabled()).Msg("relay_starting")
	if err := rt.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("relay_stopped")
	return nil
}

func loadConfig(path string) (*sensorrelay.Config, error) {
	if path != "" {
		return sensorrelay.LoadConfig(path)
	}
	cfg := sensorrelay.DefaultConfig()
	if cfg.Server.APIKey == "" {
		return nil, fmt.Errorf("no config file given and SENSOR_RELAY_API_KEY is unset")
	}
	return cfg, nil
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := sensorrelay.LoadConfig(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	return nil
}

func switchCommand(args []string) error {
	fs := flag.NewFlagSet("switch", flag.ExitOnError)
	baseURL := fs.String("url", "http://localhost:3000", "Relay base URL")
	key := fs.String("key", os.Getenv("SENSOR_RELAY_API_KEY"), "API key")
	sourceType := fs.String("type", "android.sensor.accelerometer", "Sensor type to stream")
	address := fs.String("address", "", "Upstream address, e.g. 192.168.1.20:8080 or sim://local")
	timeout := fs.Duration("timeout", 15*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *address == "" {
		return fmt.Errorf("-address is required")
	}

	body, err := json.Marshal(map[string]string{"sourceType": *sourceType, "address": *address})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(*baseURL, "/")+"/sensor/switch", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpapi.APIKeyHeader, *key)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("switch rejected: %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Println(strings.TrimSpace(string(out)))
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:3000/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				logger.Warn().Err(err).Msg("stats_error")
			}
		}
	}
}

var statsTargets = []string{
	"relay_readings_received_total",
	"relay_broadcast_delivered_total",
	"relay_subscribers",
	"relay_queue_length",
	"relay_wal_size_bytes",
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values, err := scanMetrics(resp.Body, statsTargets)
	if err != nil {
		return err
	}

	fmt.Printf("[%s] received=%.0f delivered=%.0f subscribers=%.0f queue=%.0f wal_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		values["relay_readings_received_total"],
		values["relay_broadcast_delivered_total"],
		values["relay_subscribers"],
		values["relay_queue_length"],
		values["relay_wal_size_bytes"],
	)
	return nil
}

// scanMetrics picks unlabelled samples for names out of Prometheus text output.
func scanMetrics(r io.Reader, names []string) (map[string]float64, error) {
	values := make(map[string]float64, len(names))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range names {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					values[key] = value
				}
			}
		}
	}
	return values, scanner.Err()
}

func printUsage() {
	fmt.Printf(`Sensor Relay CLI

Usage:
  sensor-relay <command> [flags]

Commands:
  run        Start the relay (HTTP, WebSocket fan-out, persistence)
  validate   Load and validate a config file without starting the relay
  switch     Ask a running relay to switch its upstream sensor source
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  sensor-relay run -config ./data/config.yaml
  sensor-relay validate -config ./data/config.yaml
  sensor-relay switch -address 192.168.1.20:8080 -type android.sensor.gyroscope
  sensor-relay stats -url http://localhost:3000/metrics -interval 1s
`)
}
