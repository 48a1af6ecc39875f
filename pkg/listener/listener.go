// Package listener drives the ingestion poll loop: pull a page from the
// stream source, normalize, hand each event to the processor, advance the
// cursor, and reconnect with exponential backoff on stream failures.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/anchorhold/vaultstream/pkg/audit"
	"github.com/anchorhold/vaultstream/pkg/cursor"
	"github.com/anchorhold/vaultstream/pkg/events"
	"github.com/anchorhold/vaultstream/pkg/observability"
	"github.com/anchorhold/vaultstream/pkg/processor"
	"github.com/anchorhold/vaultstream/pkg/store"
)

// Page is one batch pulled from the upstream stream.
type Page struct {
	Events     []events.RawEvent
	NextCursor string
}

// Source pulls raw events from the upstream stream at a cursor.
type Source interface {
	Pull(ctx context.Context, cur string, sourceIDs []string, eventTypes []string) (Page, error)
}

// EventProcessor applies canonical events exactly once.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev events.Event) processor.Result
}

// Config bounds the poll loop.
type Config struct {
	ServiceName string
	// StartCursor is used when no cursor has ever been persisted.
	StartCursor string
	SourceIDs   []string
	EventTypes  []string
	// PollInterval is the floor between successive pulls.
	PollInterval time.Duration
	// ReconnectInitial/ReconnectMax bound the backoff after stream failures.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// FailureLogEvery elevates the log level every Nth consecutive failure.
	FailureLogEvery int
	// DrainTimeout bounds how long Stop waits for in-flight work.
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "vault-ingest"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.FailureLogEvery <= 0 {
		c.FailureLogEvery = 5
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

const (
	stateStopped int32 = iota
	stateRunning
	stateStopping
)

// Snapshot is a point-in-time view of the listener for introspection.
type Snapshot struct {
	State               string
	Cursor              string
	InFlight            int64
	ConsecutiveFailures int
	LastError           string
}

// Listener owns the poll loop. One instance runs one loop; Start is
// idempotent and Stop performs a bounded best-effort drain.
type Listener struct {
	cfg        Config
	source     Source
	norm       *events.Normalizer
	proc       EventProcessor
	cursors    cursor.Store
	checkpoint *cursor.RedisCheckpoint
	auditor    audit.Logger
	obs        *observability.Provider
	log        *slog.Logger

	state    atomic.Int32
	inFlight atomic.Int64
	cancel   context.CancelFunc
	doneCh   chan struct{}

	mu           sync.Mutex
	cursorPos    string
	consecutive  int
	lastErrorMsg string
}

// Option customizes a Listener.
type Option func(*Listener)

// WithRedisCheckpoint adds a best-effort Redis cursor mirror.
func WithRedisCheckpoint(cp *cursor.RedisCheckpoint) Option {
	return func(l *Listener) { l.checkpoint = cp }
}

// New wires a Listener.
func New(cfg Config, source Source, proc EventProcessor, cursors cursor.Store,
	auditor audit.Logger, obs *observability.Provider, log *slog.Logger, opts ...Option) *Listener {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	l := &Listener{
		cfg:     cfg,
		source:  source,
		norm:    events.NewNormalizer(),
		proc:    proc,
		cursors: cursors,
		auditor: auditor,
		obs:     obs,
		log:     log.With("component", "listener", "service", cfg.ServiceName),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start resolves the cursor and launches the poll loop. Calling Start on a
// running listener is a no-op.
func (l *Listener) Start(ctx context.Context) error {
	if !l.state.CompareAndSwap(stateStopped, stateRunning) {
		return nil
	}

	pos, err := l.resolveCursor(ctx)
	if err != nil {
		l.state.Store(stateStopped)
		return err
	}
	l.setCursor(pos)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.doneCh = make(chan struct{})

	_ = l.auditor.Record(ctx, "", audit.EventSystem, "listener.started",
		"listener/"+l.cfg.ServiceName, map[string]any{"cursor": pos})
	l.log.InfoContext(ctx, "listener started", "cursor", pos)

	go l.run(loopCtx)
	return nil
}

// Stop rejects new intake, drains in-flight work up to DrainTimeout, then
// proceeds regardless and releases the loop.
func (l *Listener) Stop(ctx context.Context) error {
	if !l.state.CompareAndSwap(stateRunning, stateStopping) {
		return nil
	}

	drained := l.awaitDrain(l.cfg.DrainTimeout)
	if !drained {
		l.log.WarnContext(ctx, "drain timeout elapsed with events in flight",
			"in_flight", l.inFlight.Load())
	}

	l.cancel()
	<-l.doneCh
	l.state.Store(stateStopped)

	_ = l.auditor.Record(ctx, "", audit.EventSystem, "listener.stopped",
		"listener/"+l.cfg.ServiceName, map[string]any{"drained": drained, "cursor": l.Cursor()})
	l.log.InfoContext(ctx, "listener stopped", "drained", drained)
	return nil
}

// awaitDrain waits for the in-flight counter to reach zero, bounded by
// timeout. Best-effort by design.
func (l *Listener) awaitDrain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l.inFlight.Load() == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return l.inFlight.Load() == 0
}

// Status returns a snapshot for operators.
func (l *Listener) Status() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	var state string
	switch l.state.Load() {
	case stateRunning:
		state = "running"
	case stateStopping:
		state = "stopping"
	default:
		state = "stopped"
	}
	return Snapshot{
		State:               state,
		Cursor:              l.cursorPos,
		InFlight:            l.inFlight.Load(),
		ConsecutiveFailures: l.consecutive,
		LastError:           l.lastErrorMsg,
	}
}

// Cursor returns the current in-memory cursor position.
func (l *Listener) Cursor() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursorPos
}

func (l *Listener) setCursor(pos string) {
	l.mu.Lock()
	l.cursorPos = pos
	l.mu.Unlock()
}

// resolveCursor picks the resume position: persisted row, then Redis hint,
// then the configured start, then the stream default.
func (l *Listener) resolveCursor(ctx context.Context) (string, error) {
	c, err := l.cursors.Load(ctx, l.cfg.ServiceName)
	if err == nil {
		return c.Position, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if l.checkpoint != nil {
		if pos, ok := l.checkpoint.Hint(ctx, l.cfg.ServiceName); ok {
			return pos, nil
		}
	}
	return l.cfg.StartCursor, nil
}

// run is the single cooperative polling loop. Events within a batch are
// applied sequentially to preserve upstream dependency order.
func (l *Listener) run(ctx context.Context) {
	defer close(l.doneCh)

	limiter := rate.NewLimiter(rate.Every(l.cfg.PollInterval), 1)
	backoffDur := l.cfg.ReconnectInitial

	for l.state.Load() == stateRunning {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		page, err := l.source.Pull(ctx, l.Cursor(), l.cfg.SourceIDs, l.cfg.EventTypes)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.noteStreamFailure(ctx, err, backoffDur)
			select {
			case <-time.After(backoffDur):
			case <-ctx.Done():
				return
			}
			backoffDur = min(backoffDur*2, l.cfg.ReconnectMax)
			continue
		}
		l.noteStreamRecovered()
		backoffDur = l.cfg.ReconnectInitial

		for _, raw := range page.Events {
			if l.state.Load() != stateRunning {
				// Shutdown requested: refuse new intake mid-batch.
				return
			}
			l.handleRaw(ctx, raw)
		}
		if page.NextCursor != "" {
			l.setCursor(page.NextCursor)
		}
	}
}

// handleRaw filters, normalizes, and processes one raw event, then advances
// the cursor best-effort.
func (l *Listener) handleRaw(ctx context.Context, raw events.RawEvent) {
	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)

	// With an allowlist configured, an event without a contract id is just
	// as untrusted as one from the wrong contract.
	if len(l.cfg.SourceIDs) > 0 && !slices.Contains(l.cfg.SourceIDs, raw.ContractID) {
		return
	}

	ev, err := l.norm.Normalize(raw)
	if err != nil {
		// Malformed events are logged and skipped; they can never heal.
		l.log.WarnContext(ctx, "skipping malformed event",
			"transaction_hash", raw.TransactionHash,
			"event_index", raw.EventIndex,
			"error", err,
		)
		return
	}

	res := l.proc.ProcessEvent(ctx, ev)
	if !res.Success {
		l.mu.Lock()
		l.lastErrorMsg = res.Error
		l.mu.Unlock()
		return
	}

	if raw.PagingToken != "" {
		l.setCursor(raw.PagingToken)
		l.persistCursor(ctx, raw.PagingToken)
	}
}

// persistCursor saves the position durably and mirrors it to Redis. Both
// writes are best-effort: a failed checkpoint never fails the event.
func (l *Listener) persistCursor(ctx context.Context, pos string) {
	err := l.cursors.Save(ctx, cursor.Cursor{
		ServiceName:     l.cfg.ServiceName,
		Position:        pos,
		LastProcessedAt: time.Now().UTC(),
	})
	if err != nil {
		l.log.WarnContext(ctx, "cursor persist failed", "position", pos, "error", err)
	}
	if l.checkpoint != nil {
		if err := l.checkpoint.Set(ctx, l.cfg.ServiceName, pos); err != nil {
			l.log.DebugContext(ctx, "redis checkpoint failed", "error", err)
		}
	}
}

func (l *Listener) noteStreamFailure(ctx context.Context, err error, backoffDur time.Duration) {
	l.obs.RecordReconnect(ctx)

	l.mu.Lock()
	l.consecutive++
	l.lastErrorMsg = err.Error()
	n := l.consecutive
	l.mu.Unlock()

	if n%l.cfg.FailureLogEvery == 0 {
		l.log.ErrorContext(ctx, "stream still unreachable",
			"consecutive_failures", n, "backoff", backoffDur, "error", err)
	} else {
		l.log.WarnContext(ctx, "stream pull failed",
			"consecutive_failures", n, "backoff", backoffDur, "error", err)
	}
}

func (l *Listener) noteStreamRecovered() {
	l.mu.Lock()
	l.consecutive = 0
	l.mu.Unlock()
}
