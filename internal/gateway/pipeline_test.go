package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/homegate/internal/events"
	"github.com/nerrad567/homegate/internal/infrastructure/mqtt"
	"github.com/nerrad567/homegate/internal/ingest"
	"github.com/nerrad567/homegate/internal/topic"
)

// recordingIngester remembers payloads per device in the order applied.
type recordingIngester struct {
	mu       sync.Mutex
	byDevice map[string][]string
	fail     error
	panicOn  string
}

func (r *recordingIngester) Ingest(_ context.Context, p topic.Parsed, payload []byte, _ time.Time) (events.ChangeEvent, error) {
	if string(payload) == r.panicOn {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byDevice == nil {
		r.byDevice = map[string][]string{}
	}
	r.byDevice[p.DeviceKey()] = append(r.byDevice[p.DeviceKey()], string(payload))
	return events.ChangeEvent{}, r.fail
}

func (r *recordingIngester) payloads(deviceKey string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.byDevice[deviceKey]...)
}

type rejectCounter struct {
	mu sync.Mutex
	n  int
}

func (c *rejectCounter) TopicRejected() { c.mu.Lock(); c.n++; c.mu.Unlock() }

func stateMsg(node string, payload string) mqtt.Message {
	return mqtt.Message{
		Topic:    "home/1/" + node + "/sensor/temperature/state",
		Payload:  []byte(payload),
		Received: time.Now(),
	}
}

func TestPipeline_PreservesPerDeviceOrder(t *testing.T) {
	ing := &recordingIngester{}
	p := NewPipeline(ing, Config{Workers: 4, QueueSize: 2})
	in := make(chan mqtt.Message)
	p.Start(context.Background(), in)

	const perDevice = 50
	nodes := []string{"node_1", "node_2", "node_3", "node_4", "node_5"}
	for i := 0; i < perDevice; i++ {
		for _, n := range nodes {
			in <- stateMsg(n, fmt.Sprint(i))
		}
	}
	close(in)
	p.Wait()

	for _, n := range nodes {
		got := ing.payloads("1/" + n)
		require.Len(t, got, perDevice, n)
		for i, v := range got {
			assert.Equal(t, fmt.Sprint(i), v, "%s message %d", n, i)
		}
	}
}

func TestPipeline_DropsInvalidTopics(t *testing.T) {
	ing := &recordingIngester{}
	counter := &rejectCounter{}
	p := NewPipeline(ing, Config{Workers: 1})
	p.SetCounter(counter)
	in := make(chan mqtt.Message, 4)
	p.Start(context.Background(), in)

	in <- mqtt.Message{Topic: "home/abc/node_1/sensor/t/state", Payload: []byte("1")}
	in <- mqtt.Message{Topic: "home/1/node_1/sensor/state", Payload: []byte("1")}
	in <- stateMsg("node_1", "ok")
	close(in)
	p.Wait()

	assert.Equal(t, 2, counter.n)
	assert.Equal(t, []string{"ok"}, ing.payloads("1/node_1"))
}

func TestPipeline_WorkerSurvivesErrorsAndPanics(t *testing.T) {
	ing := &recordingIngester{panicOn: "explode", fail: errors.New("store unavailable")}
	p := NewPipeline(ing, Config{Workers: 1})
	in := make(chan mqtt.Message, 4)
	p.Start(context.Background(), in)

	in <- stateMsg("node_1", "a")
	in <- stateMsg("node_1", "explode")
	in <- stateMsg("node_1", "b")
	close(in)
	p.Wait()

	assert.Equal(t, []string{"a", "b"}, ing.payloads("1/node_1"))
}

func TestPipeline_IngestErrorsAreNotFatal(t *testing.T) {
	ing := &recordingIngester{fail: &ingest.Error{Reason: "malformed", Err: ingest.ErrMalformedPayload}}
	p := NewPipeline(ing, Config{Workers: 2})
	in := make(chan mqtt.Message, 2)
	p.Start(context.Background(), in)

	in <- stateMsg("node_1", "not-json")
	in <- stateMsg("node_1", "also-bad")
	close(in)
	p.Wait()

	assert.Len(t, ing.payloads("1/node_1"), 2)
}

func TestPipeline_CancelDrainsBufferedMessages(t *testing.T) {
	ing := &recordingIngester{}
	p := NewPipeline(ing, Config{})
	assert.Equal(t, DefaultWorkers, p.Workers())

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan mqtt.Message, 8)
	p.Start(ctx, in)
	cancel()

	// The manager closes in after its own shutdown; whatever it buffered
	// before then is still applied.
	for i := 0; i < 5; i++ {
		in <- stateMsg("node_1", fmt.Sprint(i))
	}
	close(in)

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after in was closed")
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, ing.payloads("1/node_1"))
}

func TestPipeline_CancelDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	ing := &blockingIngester{release: release, started: make(chan struct{}, 1)}
	p := NewPipeline(ing, Config{Workers: 1, QueueSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan mqtt.Message, 4)
	p.Start(ctx, in)

	in <- stateMsg("node_1", "held")
	<-ing.started // the worker is busy with the first message
	in <- stateMsg("node_1", "queued")
	in <- stateMsg("node_1", "dropped")
	in <- stateMsg("node_1", "dropped-too")
	cancel()
	close(in)

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Wait returned while a message was still being applied")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after the worker was released")
	}

	got := ing.seen()
	require.GreaterOrEqual(t, len(got), 2)
	assert.Equal(t, []string{"held", "queued"}, got[:2])
	assert.Less(t, len(got), 4, "a full queue sheds messages once shutdown has begun")
}

// blockingIngester holds its first message until released.
type blockingIngester struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once

	mu       sync.Mutex
	payloads []string
}

func (b *blockingIngester) Ingest(_ context.Context, _ topic.Parsed, payload []byte, _ time.Time) (events.ChangeEvent, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		b.started <- struct{}{}
		<-b.release
	}
	b.mu.Lock()
	b.payloads = append(b.payloads, string(payload))
	b.mu.Unlock()
	return events.ChangeEvent{}, nil
}

func (b *blockingIngester) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.payloads...)
}

func TestScheduler_TicksUntilStopped(t *testing.T) {
	var mu sync.Mutex
	ticks := 0
	s := NewScheduler("test", 5*time.Millisecond, func(context.Context, time.Time) {
		mu.Lock()
		ticks++
		n := ticks
		mu.Unlock()
		if n == 1 {
			panic("first tick fails")
		}
	})
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 3
	}, 5*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	mu.Lock()
	after := ticks
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, ticks, "no ticks after Stop")
}
