package resilience

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/avatarvoice/internal/observe"
)

// WarmupState is the readiness of a heavy backend.
type WarmupState int

const (
	WarmupNotStarted WarmupState = iota
	WarmupLoading
	WarmupReady

	// WarmupFailedPermanently means every load strategy failed. The backend
	// is excluded until the process restarts.
	WarmupFailedPermanently
)

// String returns the lower-case name of the state.
func (s WarmupState) String() string {
	switch s {
	case WarmupNotStarted:
		return "not-started"
	case WarmupLoading:
		return "loading"
	case WarmupReady:
		return "ready"
	case WarmupFailedPermanently:
		return "failed-permanently"
	default:
		return "invalid"
	}
}

// ErrUnknownBackend is returned for operations on unregistered backends.
var ErrUnknownBackend = errors.New("resilience: unknown backend")

// WarmupConfig tunes strategy retries. Zero fields take defaults.
type WarmupConfig struct {
	// Attempts is how often each strategy is tried before moving on.
	// Default: 1.
	Attempts uint

	// RetryInterval is the pause between tries of one strategy.
	// Default: 500ms.
	RetryInterval time.Duration
}

// WarmupStatus is a point-in-time view of one backend's warmup.
type WarmupStatus struct {
	Backend string
	State   WarmupState

	// Strategy names the strategy that made the backend ready.
	Strategy string

	// Err joins the failures of every strategy tried so far.
	Err error
}

type warmupEntry struct {
	strategies []LoadStrategy
	state      WarmupState
	strategy   string
	err        error
	done       chan struct{}
}

// LoaderOption configures a [Loader].
type LoaderOption func(*Loader)

// WithLoaderMetrics records warmup state changes on m.
func WithLoaderMetrics(m *observe.Metrics) LoaderOption {
	return func(l *Loader) {
		l.metrics = m
	}
}

// Loader warms up heavy backends in the background. Each backend walks its
// ordered strategy list once; the first strategy that succeeds makes it
// ready.
type Loader struct {
	cfg     WarmupConfig
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	backends map[string]*warmupEntry
}

// NewLoader creates a Loader. Call [Loader.Close] to stop running loads.
func NewLoader(cfg WarmupConfig, opts ...LoaderOption) *Loader {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		backends: make(map[string]*warmupEntry),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

// Register adds a backend. A backend without strategies is ready at once.
// Registering a name twice keeps the first registration.
func (l *Loader) Register(backend string, strategies []LoadStrategy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.backends[backend]; ok {
		return
	}
	e := &warmupEntry{
		strategies: slices.Clone(strategies),
		done:       make(chan struct{}),
	}
	l.backends[backend] = e
	if len(strategies) == 0 {
		e.state = WarmupReady
		close(e.done)
	}
	l.metrics.RecordWarmupState(context.Background(), backend, int64(e.state))
}

// Start begins loading backend in the background. It never blocks and is a
// no-op unless the backend is registered and not yet started.
func (l *Loader) Start(backend string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.backends[backend]
	if !ok || e.state != WarmupNotStarted || l.ctx.Err() != nil {
		return
	}
	l.setState(backend, e, WarmupLoading)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.load(backend, e)
	}()
}

// StartAll starts every registered backend.
func (l *Loader) StartAll() {
	l.mu.Lock()
	names := make([]string, 0, len(l.backends))
	for name := range l.backends {
		names = append(names, name)
	}
	l.mu.Unlock()
	for _, name := range names {
		l.Start(name)
	}
}

// Status returns the warmup state of backend. Unregistered backends report
// WarmupNotStarted.
func (l *Loader) Status(backend string) WarmupState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.backends[backend]; ok {
		return e.state
	}
	return WarmupNotStarted
}

// Wait blocks until backend is ready or has failed permanently, or ctx ends.
// It does not start the backend.
func (l *Loader) Wait(ctx context.Context, backend string) (WarmupState, error) {
	l.mu.Lock()
	e, ok := l.backends[backend]
	l.mu.Unlock()
	if !ok {
		return WarmupNotStarted, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return l.Status(backend), ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.state == WarmupReady {
		return e.state, nil
	}
	return e.state, e.err
}

// Snapshot returns the status of every registered backend sorted by name.
func (l *Loader) Snapshot() []WarmupStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]WarmupStatus, 0, len(l.backends))
	for name, e := range l.backends {
		out = append(out, WarmupStatus{Backend: name, State: e.state, Strategy: e.strategy, Err: e.err})
	}
	slices.SortFunc(out, func(a, b WarmupStatus) int {
		return cmp.Compare(a.Backend, b.Backend)
	})
	return out
}

// Close cancels running loads and waits for their goroutines to exit.
func (l *Loader) Close() {
	l.cancel()
	l.wg.Wait()
}

// load walks the strategy list once.
func (l *Loader) load(backend string, e *warmupEntry) {
	var errs []error
	for _, s := range e.strategies {
		start := time.Now()
		_, err := backoff.Retry(l.ctx, func() (struct{}, error) {
			return struct{}{}, s.Load(l.ctx)
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(l.cfg.RetryInterval)),
			backoff.WithMaxTries(l.cfg.Attempts),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				slog.Debug("warmup strategy retry", "backend", backend, "strategy", s.Name, "error", err, "next", next)
			}),
		)
		if err == nil {
			slog.Info("backend warmed up", "backend", backend, "strategy", s.Name, "duration", time.Since(start))
			l.mu.Lock()
			e.strategy = s.Name
			e.err = errors.Join(errs...)
			l.setState(backend, e, WarmupReady)
			close(e.done)
			l.mu.Unlock()
			return
		}
		slog.Warn("warmup strategy failed", "backend", backend, "strategy", s.Name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		if l.ctx.Err() != nil {
			break
		}
	}

	slog.Error("backend warmup exhausted, excluding backend", "backend", backend, "strategies", len(e.strategies))
	l.mu.Lock()
	e.err = errors.Join(errs...)
	l.setState(backend, e, WarmupFailedPermanently)
	close(e.done)
	l.mu.Unlock()
}

// setState must be called with l.mu held.
func (l *Loader) setState(backend string, e *warmupEntry, s WarmupState) {
	e.state = s
	l.metrics.RecordWarmupState(context.Background(), backend, int64(s))
}
