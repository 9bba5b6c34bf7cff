// Package lifecycle runs one cancellable run-loop per active strategy instance
// and moves instances between modes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strategy-engine/internal/events"
	"strategy-engine/internal/journal"
	"strategy-engine/internal/market"
	"strategy-engine/internal/promotion"
	"strategy-engine/internal/store"
	"strategy-engine/internal/strategy"
)

// ErrShutdown is returned by Transition after ShutdownAll.
var ErrShutdown = errors.New("lifecycle manager is shut down")

// ErrInvalidSymbol rejects an empty or unchanged symbol in ChangeSymbol.
var ErrInvalidSymbol = errors.New("invalid symbol")

// ConfigStore is the part of the configuration store the manager reads and writes.
// Every call must read fresh state.
type ConfigStore interface {
	Strategies(ctx context.Context) ([]strategy.Config, error)
	Strategy(ctx context.Context, key strategy.Key) (strategy.Config, error)
	CurrentMode(ctx context.Context, key strategy.Key) (strategy.Mode, error)
	SetMode(ctx context.Context, key strategy.Key, mode strategy.Mode) error
	Remove(ctx context.Context, key strategy.Key) error
	Rename(ctx context.Context, key strategy.Key, symbol string) error
	Activate(ctx context.Context, key strategy.Key, now time.Time) (time.Time, error)
	ClearActivation(ctx context.Context, key strategy.Key) error
	StartCapital(ctx context.Context, key strategy.Key) (float64, error)
	Promotion(ctx context.Context) (promotion.Settings, error)
}

// ProviderFactory returns the market data provider for a strategy record.
type ProviderFactory interface {
	Provider(ctx context.Context, cfg strategy.Config) (market.Provider, error)
}

// SourceResolver returns the signal source a strategy record references.
type SourceResolver interface {
	Resolve(cfg strategy.Config) (strategy.Source, error)
}

// Options tune the run-loops. Zero values take the defaults.
type Options struct {
	PollInterval time.Duration
	// FetchTimeout bounds market validation and clock calls. Bar fetches are
	// bounded per venue by the provider.
	FetchTimeout   time.Duration
	MaxClockDrift  time.Duration
	ClockSyncEvery time.Duration
	BarLimit       int
	// Location decides monthly rollup boundaries.
	Location *time.Location
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 60 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.MaxClockDrift <= 0 {
		o.MaxClockDrift = 10 * time.Second
	}
	if o.ClockSyncEvery <= 0 {
		o.ClockSyncEvery = time.Hour
	}
	if o.BarLimit <= 0 {
		o.BarLimit = 100
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// TaskStatus describes one strategy instance for the control surface.
type TaskStatus struct {
	Key         strategy.Key  `json:"-"`
	Strategy    string        `json:"strategy"`
	Symbol      string        `json:"symbol"`
	Mode        strategy.Mode `json:"mode"`
	Running     bool          `json:"running"`
	TaskID      string        `json:"task_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	LastError   string        `json:"last_error,omitempty"`
	LastErrorAt time.Time     `json:"last_error_at"`
}

type lastError struct {
	msg string
	at  time.Time
}

// Manager owns every run-loop. At most one task exists per key.
type Manager struct {
	store     ConfigStore
	providers ProviderFactory
	sources   SourceResolver
	journal   *journal.Journal
	bus       *events.Bus
	logger    zerolog.Logger
	opts      Options

	root   context.Context
	cancel context.CancelFunc

	// transitionMu serializes Transition, Stop, Reconcile, Reset, ChangeSymbol
	// and ShutdownAll. Tasks never take it.
	transitionMu sync.Mutex
	closed       bool

	mu      sync.Mutex
	tasks   map[strategy.Key]*task
	lastErr map[strategy.Key]lastError

	handoffs sync.WaitGroup
}

func NewManager(st ConfigStore, providers ProviderFactory, sources SourceResolver, j *journal.Journal, bus *events.Bus, logger zerolog.Logger, opts Options) *Manager {
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     st,
		providers: providers,
		sources:   sources,
		journal:   j,
		bus:       bus,
		logger:    logger.With().Str("component", "LifecycleManager").Logger(),
		opts:      opts.withDefaults(),
		root:      root,
		cancel:    cancel,
		tasks:     make(map[strategy.Key]*task),
		lastErr:   make(map[strategy.Key]lastError),
	}
}

// Transition is an explicit activation. Any task for key is cancelled and
// awaited, then an active mode starts a fresh one that reads the record anew.
// Disabled only cancels.
func (m *Manager) Transition(ctx context.Context, key strategy.Key, mode strategy.Mode) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	return m.transition(ctx, key, mode, true)
}

// transition requires transitionMu. Without restart a live task already in
// mode is kept.
func (m *Manager) transition(ctx context.Context, key strategy.Key, mode strategy.Mode, restart bool) error {
	cur := m.task(key)
	if cur != nil {
		if !restart && cur.mode == mode && !cur.exited() {
			return nil
		}
		if err := m.stopTask(ctx, cur); err != nil {
			return err
		}
	}

	from := strategy.ModeDisabled
	if cur != nil {
		from = cur.mode
	}
	if from != mode {
		m.publish(events.Message{Event: events.EventModeChanged, Strategy: key.Name, Symbol: key.Symbol, Mode: string(mode), Data: map[string]string{"from": string(from)}})
	}

	if !mode.Active() || m.closed {
		return nil
	}
	m.start(key, mode)
	return nil
}

// Stop cancels the key's task, if any, without touching the store.
func (m *Manager) Stop(ctx context.Context, key strategy.Key) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	return m.transition(ctx, key, strategy.ModeDisabled, false)
}

// Reconcile starts or stops tasks so that every stored record runs in its
// configured mode and no task outlives its record. Tasks already running in
// their stored mode are left alone; they notice record edits themselves.
func (m *Manager) Reconcile(ctx context.Context) error {
	all, err := m.store.Strategies(ctx)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if m.closed {
		return ErrShutdown
	}

	wanted := make(map[strategy.Key]bool, len(all))
	var errs []error
	for _, cfg := range all {
		wanted[cfg.Key()] = true
		if err := m.transition(ctx, cfg.Key(), cfg.Mode, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cfg.Key(), err))
		}
	}
	for _, key := range m.runningKeys() {
		if !wanted[key] {
			if err := m.transition(ctx, key, strategy.ModeDisabled, false); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Reset cancels the key's task and deletes its journal artifacts in every
// namespace together with its activation record. The mode is left as stored.
// No task for key can start until Reset returns.
func (m *Manager) Reset(ctx context.Context, key strategy.Key) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	return m.reset(ctx, key)
}

func (m *Manager) reset(ctx context.Context, key strategy.Key) error {
	if err := m.transition(ctx, key, strategy.ModeDisabled, false); err != nil {
		return err
	}
	var errs []error
	for _, mode := range []strategy.Mode{strategy.ModePaper, strategy.ModeLive} {
		if err := m.journal.Remove(mode.Namespace(), key.Name, key.Symbol); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.store.ClearActivation(ctx, key); err != nil {
		errs = append(errs, err)
	}
	m.mu.Lock()
	delete(m.lastErr, key)
	m.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	m.logger.Info().Str("strategy", key.Name).Str("symbol", key.Symbol).Msg("strategy data reset")
	return nil
}

// ChangeSymbol moves the record at key to symbol. The old key's task is
// stopped and its data reset, and the record is left Disabled under the new
// key with no leftover artifacts.
func (m *Manager) ChangeSymbol(ctx context.Context, key strategy.Key, symbol string) (strategy.Key, error) {
	next := strategy.Key{Name: key.Name, Symbol: symbol}
	if symbol == "" || symbol == key.Symbol {
		return key, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	cfg, err := m.store.Strategy(ctx, key)
	if err != nil {
		return key, err
	}
	if _, err := m.store.Strategy(ctx, next); err == nil {
		return key, fmt.Errorf("%w: %s", store.ErrExists, next)
	} else if !errors.Is(err, store.ErrNotFound) {
		return key, err
	}

	if err := m.reset(ctx, key); err != nil {
		return key, err
	}
	if cfg.Mode != strategy.ModeDisabled {
		if err := m.store.SetMode(ctx, key, strategy.ModeDisabled); err != nil {
			return key, fmt.Errorf("disable %s: %w", key, err)
		}
	}
	if err := m.store.Rename(ctx, key, symbol); err != nil {
		return key, err
	}
	if err := m.reset(ctx, next); err != nil {
		return next, err
	}

	m.logger.Info().Str("strategy", key.Name).Str("from", key.Symbol).Str("to", symbol).Msg("symbol changed")
	return next, nil
}

// Remove resets the key and deletes its record.
func (m *Manager) Remove(ctx context.Context, key strategy.Key) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if err := m.reset(ctx, key); err != nil {
		return err
	}
	return m.store.Remove(ctx, key)
}

// ShutdownAll cancels every task and waits for all of them to exit.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.transitionMu.Lock()
	m.closed = true
	m.mu.Lock()
	running := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		running = append(running, t)
	}
	m.mu.Unlock()
	m.cancel()
	m.transitionMu.Unlock()

	for _, t := range running {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.handoffs.Wait()
	m.logger.Info().Int("tasks", len(running)).Msg("all run-loops stopped")
	return nil
}

// Status lists every key with a task or a recorded error, sorted by key.
func (m *Manager) Status() []TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKey := make(map[strategy.Key]*TaskStatus)
	for key, t := range m.tasks {
		byKey[key] = &TaskStatus{Key: key, Mode: t.mode, Running: !t.exited(), TaskID: t.id, StartedAt: t.startedAt}
	}
	for key, le := range m.lastErr {
		s, ok := byKey[key]
		if !ok {
			s = &TaskStatus{Key: key, Mode: strategy.ModeDisabled}
			byKey[key] = s
		}
		s.LastError, s.LastErrorAt = le.msg, le.at
	}

	out := make([]TaskStatus, 0, len(byKey))
	for key, s := range byKey {
		s.Strategy, s.Symbol = key.Name, key.Symbol
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Running reports whether a task currently runs for key.
func (m *Manager) Running(key strategy.Key) bool {
	t := m.task(key)
	return t != nil && !t.exited()
}

// LastError returns the most recent failure message for key.
func (m *Manager) LastError(key strategy.Key) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr[key].msg
}

func (m *Manager) start(key strategy.Key, mode strategy.Mode) {
	ctx, cancel := context.WithCancel(m.root)
	t := &task{
		id:        uuid.NewString(),
		key:       key,
		mode:      mode,
		startedAt: m.opts.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.logger = m.logger.With().
		Str("strategy", key.Name).
		Str("symbol", key.Symbol).
		Str("mode", string(mode)).
		Str("task_id", t.id).
		Logger()

	m.mu.Lock()
	m.tasks[key] = t
	m.mu.Unlock()

	go m.run(ctx, t)
}

func (m *Manager) stopTask(ctx context.Context, t *task) error {
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s to stop: %w", t.key, ctx.Err())
	}
}

// handoff asks for a transition from inside a task. It runs on its own
// goroutine because Transition waits for the calling task to exit.
func (m *Manager) handoff(key strategy.Key, mode strategy.Mode) {
	m.handoffs.Add(1)
	go func() {
		defer m.handoffs.Done()
		if err := m.Transition(m.root, key, mode); err != nil && !errors.Is(err, ErrShutdown) {
			m.logger.Error().Err(err).Str("strategy", key.Name).Str("symbol", key.Symbol).Msg("mode handoff failed")
		}
	}()
}

func (m *Manager) task(key strategy.Key) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[key]
}

func (m *Manager) runningKeys() []strategy.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]strategy.Key, 0, len(m.tasks))
	for k := range m.tasks {
		keys = append(keys, k)
	}
	return keys
}

// release drops t from the task table unless a newer task replaced it.
func (m *Manager) release(t *task) {
	m.mu.Lock()
	if m.tasks[t.key] == t {
		delete(m.tasks, t.key)
	}
	m.mu.Unlock()
}

func (m *Manager) setLastError(key strategy.Key, err error) {
	m.mu.Lock()
	m.lastErr[key] = lastError{msg: err.Error(), at: m.opts.Now()}
	m.mu.Unlock()
}

func (m *Manager) publish(msg events.Message) {
	if m.bus == nil {
		return
	}
	if msg.Time.IsZero() {
		msg.Time = m.opts.Now()
	}
	m.bus.Publish(msg)
}

// IsTaskFatal reports whether err ends a run-loop rather than a single iteration.
func IsTaskFatal(err error) bool {
	return errors.Is(err, market.ErrUnsupportedMarket) ||
		errors.Is(err, market.ErrClockDrift) ||
		errors.Is(err, strategy.ErrUnknownSource) ||
		errors.Is(err, store.ErrNoCredentials)
}
