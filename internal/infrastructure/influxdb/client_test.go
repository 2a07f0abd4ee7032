package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/homegate/internal/infrastructure/config"
	"github.com/nerrad567/homegate/internal/topic"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	lines  []string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		status := f.status
		f.mu.Unlock()
		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":"invalid","message":"field type conflict"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "homegate-test-token",
		Org:           "homegate",
		Bucket:        "states",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func connectFake(t *testing.T) (*fakeInflux, *Client) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // test cleanup
	return fake, client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var sensor = topic.Identity{HomeID: "1", Node: "node_1", EntityType: "sensor", EntityName: "temperature"}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	_, client := connectFake(t)

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8086")
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := Connect(testConfig(url))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	_, client := connectFake(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !errors.Is(client.HealthCheck(context.Background()), ErrNotConnected) {
		t.Error("HealthCheck() after Close() should return ErrNotConnected")
	}
	client.WriteState(sensor, map[string]any{"value": 1.0}, time.Now())
	client.Flush()
}

// =============================================================================
// Write Tests
// =============================================================================

func TestWriteState(t *testing.T) {
	fake, client := connectFake(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.WriteState(sensor, map[string]any{"value": 31.5}, at)
	client.Flush()

	waitFor(t, func() bool { return len(fake.written()) == 1 })
	line := fake.written()[0]
	for _, want := range []string{
		"entity_state,",
		"home_id=1",
		"node=node_1",
		"entity_type=sensor",
		"entity_name=temperature",
		"value=31.5",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestWriteState_SkipsEmpty(t *testing.T) {
	fake, client := connectFake(t)

	client.WriteState(sensor, map[string]any{"value": nil}, time.Now())
	client.WriteState(sensor, map[string]any{"value": 20.0}, time.Now())
	client.Flush()

	waitFor(t, func() bool { return len(fake.written()) >= 1 })
	if n := len(fake.written()); n != 1 {
		t.Errorf("wrote %d lines, want 1", n)
	}
}

func TestWriteState_ServerRejects(t *testing.T) {
	fake, client := connectFake(t)
	fake.mu.Lock()
	fake.status = http.StatusBadRequest
	fake.mu.Unlock()

	client.WriteState(sensor, map[string]any{"value": 1.0}, time.Now())
	client.Flush()

	waitFor(t, func() bool { return client.Failed() > 0 })
}

func TestStatePoint(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	p := statePoint(topic.Identity{HomeID: "1", Node: "lounge", EntityType: "light", EntityName: "lamp"},
		map[string]any{"value": "ON", "brightness": 200.0, "on": true, "rgb": []any{255.0, 0.0, 0.0}}, at)
	if p == nil {
		t.Fatal("statePoint() = nil")
	}

	line := write.PointToLineProtocol(p, time.Second)
	for _, want := range []string{
		`value_text="ON"`,
		"brightness=200",
		"on=1",
		`rgb_text="[255,0,0]"`,
		" 1700000000",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}

	if statePoint(sensor, map[string]any{}, at) != nil {
		t.Error("statePoint() with no fields should be nil")
	}
}
