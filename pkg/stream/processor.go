package stream

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// State is the processor lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// Message is a single record delivered by a Source. Ack confirms the
// at-least-once delivery; Nak requests redelivery.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
}

// Source is a partitioned, at-least-once event feed. Fetch blocks for at
// most wait so consumer loops can check for shutdown between polls.
type Source interface {
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error)
	Close() error
}

// SourceFactory creates one subscription per consumer loop. All instances
// share the same durable consumer group so the source distributes load.
type SourceFactory func(instance int) (Source, error)

// Handler supplies the job-specific behavior of a Processor.
type Handler[E any] interface {
	// Open establishes sink connections. An error here is fatal to Start.
	Open(ctx context.Context) error
	Close() error

	// Decode parses a raw message payload. Failures are logged and the
	// message is dropped, never fatal to the consumer loop.
	Decode(data []byte) (E, error)

	// Key derives the windowing key for an event.
	Key(event E) string

	// ProcessEvent folds one event into processing state. ok=false means
	// the event was dropped (no key, duplicate) and must not be windowed.
	ProcessEvent(ctx context.Context, event E) (ok bool, err error)

	// ProcessWindow aggregates the current window contents for a key.
	ProcessWindow(ctx context.Context, key string, events []E) error
}

type Config struct {
	JobName     string
	Parallelism int
	Slide       time.Duration
	PollTimeout time.Duration
	FetchBatch  int
	StopTimeout time.Duration
}

// Stats is a point-in-time snapshot of processor counters.
type Stats struct {
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	DecodeFailures    int64 `json:"decode_failures"`
	FoldFailures      int64 `json:"fold_failures"`
	WindowsAggregated int64 `json:"windows_aggregated"`
	WindowFailures    int64 `json:"window_failures"`
}

// Processor runs N parallel consumer loops against a partitioned source and
// one aggregation loop that drains the window store every slide interval.
// Individual event and window failures are absorbed and logged; only sink
// connection establishment at startup is fatal.
type Processor[E any] struct {
	cfg       Config
	window    *WindowStore[E]
	handler   Handler[E]
	newSource SourceFactory

	state   atomic.Int32
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	sources []Source

	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	decodeFailures    atomic.Int64
	foldFailures      atomic.Int64
	windowsAggregated atomic.Int64
	windowFailures    atomic.Int64
}

func NewProcessor[E any](cfg Config, window *WindowStore[E], handler Handler[E], newSource SourceFactory) *Processor[E] {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	if cfg.Slide <= 0 {
		cfg.Slide = time.Minute
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.FetchBatch < 1 {
		cfg.FetchBatch = 64
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Processor[E]{
		cfg:       cfg,
		window:    window,
		handler:   handler,
		newSource: newSource,
	}
}

func (p *Processor[E]) State() State {
	return State(p.state.Load())
}

func (p *Processor[E]) Stats() Stats {
	return Stats{
		EventsProcessed:   p.eventsProcessed.Load(),
		EventsDropped:     p.eventsDropped.Load(),
		DecodeFailures:    p.decodeFailures.Load(),
		FoldFailures:      p.foldFailures.Load(),
		WindowsAggregated: p.windowsAggregated.Load(),
		WindowFailures:    p.windowFailures.Load(),
	}
}

// Window exposes the window store so the handler can reap keys it has
// finished with.
func (p *Processor[E]) Window() *WindowStore[E] {
	return p.window
}

// Start opens sinks, spawns the consumer loops and the aggregation loop.
// It transitions to Running only after every connection succeeded.
func (p *Processor[E]) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return fmt.Errorf("processor %s: already started", p.cfg.JobName)
	}

	if err := p.handler.Open(ctx); err != nil {
		p.state.Store(int32(Stopped))
		return fmt.Errorf("processor %s: open sinks: %w", p.cfg.JobName, err)
	}

	p.stop = make(chan struct{})

	p.mu.Lock()
	for i := 0; i < p.cfg.Parallelism; i++ {
		src, err := p.newSource(i)
		if err != nil {
			close(p.stop)
			p.wg.Wait()
			for _, s := range p.sources {
				s.Close()
			}
			p.sources = nil
			p.mu.Unlock()
			p.handler.Close()
			p.state.Store(int32(Stopped))
			return fmt.Errorf("processor %s: subscribe consumer %d: %w", p.cfg.JobName, i, err)
		}
		p.sources = append(p.sources, src)
		p.wg.Add(1)
		go p.consumerLoop(i, src)
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.aggregationLoop()

	p.state.Store(int32(Running))
	log.Printf("[INFO] processor %s running: parallelism=%d slide=%s window=%s",
		p.cfg.JobName, p.cfg.Parallelism, p.cfg.Slide, p.window.Duration())
	return nil
}

// Stop flips the running flag, joins all loops with a bounded timeout and
// closes the sources and sinks. Safe to call from any goroutine and
// idempotent; a second call is a no-op.
func (p *Processor[E]) Stop() {
	if !p.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return
	}
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.StopTimeout):
		log.Printf("[WARN] processor %s: loops did not exit within %s, abandoning", p.cfg.JobName, p.cfg.StopTimeout)
	}

	p.mu.Lock()
	for _, src := range p.sources {
		if err := src.Close(); err != nil {
			log.Printf("[WARN] processor %s: closing source: %v", p.cfg.JobName, err)
		}
	}
	p.sources = nil
	p.mu.Unlock()

	if err := p.handler.Close(); err != nil {
		log.Printf("[WARN] processor %s: closing sinks: %v", p.cfg.JobName, err)
	}
	p.state.Store(int32(Stopped))
	log.Printf("[INFO] processor %s stopped", p.cfg.JobName)
}

func (p *Processor[E]) consumerLoop(id int, src Source) {
	defer p.wg.Done()
	ctx := context.Background()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		msgs, err := src.Fetch(ctx, p.cfg.FetchBatch, p.cfg.PollTimeout)
		if err != nil {
			if p.State() == Running {
				log.Printf("[ERROR] processor %s consumer %d: fetch: %v", p.cfg.JobName, id, err)
				select {
				case <-p.stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		for _, msg := range msgs {
			p.handleMessage(ctx, id, msg)
		}
	}
}

func (p *Processor[E]) handleMessage(ctx context.Context, id int, msg Message) {
	event, err := p.handler.Decode(msg.Data())
	if err != nil {
		p.decodeFailures.Add(1)
		log.Printf("[ERROR] processor %s consumer %d: decode: %v", p.cfg.JobName, id, err)
		msg.Ack() // poison message, do not redeliver
		return
	}

	ok, err := p.handler.ProcessEvent(ctx, event)
	if err != nil {
		p.foldFailures.Add(1)
		log.Printf("[ERROR] processor %s consumer %d: process event: %v", p.cfg.JobName, id, err)
		msg.Ack()
		return
	}
	if !ok {
		p.eventsDropped.Add(1)
		msg.Ack()
		return
	}

	p.window.Add(p.handler.Key(event), event)
	p.eventsProcessed.Add(1)
	msg.Ack()
}

func (p *Processor[E]) aggregationLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Slide)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.aggregateOnce(ctx)
		}
	}
}

func (p *Processor[E]) aggregateOnce(ctx context.Context) {
	for _, key := range p.window.Keys() {
		events := p.window.Get(key)
		if len(events) == 0 {
			// window expired between ticks, key stays parked for late events
			continue
		}
		if err := p.handler.ProcessWindow(ctx, key, events); err != nil {
			p.windowFailures.Add(1)
			log.Printf("[ERROR] processor %s: window %s: %v", p.cfg.JobName, key, err)
			continue
		}
		p.windowsAggregated.Add(1)
	}
}
