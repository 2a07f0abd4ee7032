package gateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/nerrad567/homegate/internal/events"
	"github.com/nerrad567/homegate/internal/infrastructure/mqtt"
	"github.com/nerrad567/homegate/internal/ingest"
	"github.com/nerrad567/homegate/internal/topic"
)

// Default pool sizing.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Logger is the logging interface used by the pipeline.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Ingester applies one parsed message. *ingest.Engine implements it.
type Ingester interface {
	Ingest(ctx context.Context, p topic.Parsed, payload []byte, ts time.Time) (events.ChangeEvent, error)
}

// Counter is told about messages dropped before ingestion. Metrics implement it.
type Counter interface {
	TopicRejected()
}

// Config sizes the worker pool.
type Config struct {
	// Workers is the number of ingestion goroutines. Default: 4.
	Workers int
	// QueueSize is the buffer of each worker's queue. Default: 256.
	QueueSize int
}

type work struct {
	parsed topic.Parsed
	msg    mqtt.Message
}

// Pipeline moves inbound messages from the broker to the ingestion engine.
//
// A single dispatcher parses each topic and hands the message to the worker
// that owns its device, chosen by hashing home and node. One device's
// messages are therefore applied in arrival order while different devices
// proceed in parallel. A full worker queue blocks the dispatcher, which in
// turn backs up the manager's ingress channel.
type Pipeline struct {
	ingester Ingester
	queues   []chan work
	logger   Logger
	counter  Counter
	now      func() time.Time

	startOnce sync.Once
	wg        sync.WaitGroup
	finished  chan struct{}
}

// NewPipeline creates a pipeline feeding ingester.
func NewPipeline(ingester Ingester, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	queues := make([]chan work, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan work, cfg.QueueSize)
	}
	return &Pipeline{
		ingester: ingester,
		queues:   queues,
		logger:   noopLogger{},
		now:      time.Now,
		finished: make(chan struct{}),
	}
}

// SetLogger sets the logger for the pipeline.
func (p *Pipeline) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	p.logger = logger
}

// SetCounter installs a counter.
func (p *Pipeline) SetCounter(c Counter) {
	p.counter = c
}

// Workers returns the pool size.
func (p *Pipeline) Workers() int {
	return len(p.queues)
}

// Start consumes in until it is closed. Every message read from in is
// applied, including those still buffered when ctx ends, unless ctx has
// ended and the owning worker's queue is full, in which case the message is
// dropped so shutdown is not held up by a slow store. Wait returns once in
// is closed and the workers have drained. Start may only be called once.
func (p *Pipeline) Start(ctx context.Context, in <-chan mqtt.Message) {
	p.startOnce.Do(func() {
		workCtx := context.WithoutCancel(ctx)
		for i, q := range p.queues {
			p.wg.Add(1)
			go p.worker(workCtx, i, q)
		}
		go p.dispatch(ctx, in)
	})
}

// Wait blocks until the dispatcher has stopped and every worker has drained.
func (p *Pipeline) Wait() {
	<-p.finished
}

func (p *Pipeline) dispatch(ctx context.Context, in <-chan mqtt.Message) {
	defer func() {
		for _, q := range p.queues {
			close(q)
		}
		p.wg.Wait()
		close(p.finished)
	}()

	for msg := range in {
		parsed, err := topic.Parse(msg.Topic)
		if err != nil {
			if p.counter != nil {
				p.counter.TopicRejected()
			}
			p.logger.Warn("dropping message with invalid topic", "topic", msg.Topic, "error", err)
			continue
		}
		p.handOff(ctx, work{parsed: parsed, msg: msg})
	}
}

// handOff queues w on its device's worker. It blocks while the queue is
// full, until ctx ends.
func (p *Pipeline) handOff(ctx context.Context, w work) {
	q := p.queues[p.shard(w.parsed.DeviceKey())]
	select {
	case q <- w:
		return
	case <-ctx.Done():
	}
	select {
	case q <- w:
	default:
		p.logger.Warn("dropping message at shutdown, worker queue full", "topic", w.msg.Topic)
	}
}

func (p *Pipeline) shard(deviceKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceKey))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pipeline) worker(ctx context.Context, id int, q <-chan work) {
	defer p.wg.Done()
	for w := range q {
		p.apply(ctx, id, w)
	}
}

// apply ingests one message. Nothing that happens here stops the worker.
func (p *Pipeline) apply(ctx context.Context, worker int, w work) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic ingesting message",
				"worker", worker,
				"topic", w.msg.Topic,
				"panic", fmt.Sprint(r),
			)
		}
	}()

	ts := w.msg.Received
	if ts.IsZero() {
		ts = p.now()
	}

	if _, err := p.ingester.Ingest(ctx, w.parsed, w.msg.Payload, ts); err != nil {
		var ingestErr *ingest.Error
		if errors.As(err, &ingestErr) {
			// Already logged and counted by the engine.
			return
		}
		p.logger.Error("ingest failed",
			"worker", worker,
			"topic", w.msg.Topic,
			"error", err,
		)
	}
}
