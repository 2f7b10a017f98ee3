package upstream

import (
	"context"
	"errors"
	"testing"

	"github.com/ghalamif/SensorRelay/internal/ports"
)

type recordingDialer struct {
	name  string
	calls []string
}

func (d *recordingDialer) Dial(_ context.Context, sourceType, address string) (ports.UpstreamConn, error) {
	d.calls = append(d.calls, sourceType+"@"+address)
	return nil, nil
}

func TestRouterDispatchesByScheme(t *testing.T) {
	ws := &recordingDialer{name: "ws"}
	mq := &recordingDialer{name: "mqtt"}
	r := NewRouter().Handle(ws, "ws", "wss").Handle(mq, "tcp", "MQTT")

	for _, addr := range []string{"10.0.0.5:8080", "wss://phone", "mqtt://broker:1883", "TCP://broker:1883"} {
		if _, err := r.Dial(context.Background(), "accel", addr); err != nil {
			t.Fatalf("dial %s: %v", addr, err)
		}
	}
	if len(ws.calls) != 2 || len(mq.calls) != 2 {
		t.Fatalf("unexpected routing ws=%v mqtt=%v", ws.calls, mq.calls)
	}

	if _, err := r.Dial(context.Background(), "accel", "ftp://nowhere"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}

	got := r.Schemes()
	want := []string{"mqtt", "tcp", "ws", "wss"}
	if len(got) != len(want) {
		t.Fatalf("schemes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("schemes = %v, want %v", got, want)
		}
	}
}

func TestScheme(t *testing.T) {
	for in, want := range map[string]string{
		"opc.tcp://plc:4840": "opc.tcp",
		"10.0.0.5":           "",
		"Sim://local":        "sim",
		"://broken":          "",
	} {
		if got := Scheme(in); got != want {
			t.Fatalf("Scheme(%q) = %q, want %q", in, got, want)
		}
	}
}
