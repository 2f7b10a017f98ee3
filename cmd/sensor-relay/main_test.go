package main

import (
	"strings"
	"testing"
)

func TestScanMetrics(t *testing.T) {
	body := `# HELP relay_subscribers Currently registered subscribers.
# TYPE relay_subscribers gauge
relay_subscribers 3
relay_readings_received_total 1.5e+06
relay_queue_length{shard="a"} 9
relay_wal_size_bytes 4096
`
	got, err := scanMetrics(strings.NewReader(body), statsTargets)
	if err != nil {
		t.Fatalf("scanMetrics: %v", err)
	}
	if got["relay_subscribers"] != 3 {
		t.Fatalf("subscribers = %v", got["relay_subscribers"])
	}
	if got["relay_readings_received_total"] != 1.5e6 {
		t.Fatalf("received = %v", got["relay_readings_received_total"])
	}
	if got["relay_wal_size_bytes"] != 4096 {
		t.Fatalf("wal = %v", got["relay_wal_size_bytes"])
	}
	if _, ok := got["relay_queue_length"]; ok {
		t.Fatalf("labelled samples should be ignored")
	}
}
