// Package connectivity tracks whether the remote service is reachable.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"taskbridge/internal/events"
	"taskbridge/internal/metrics"
	"taskbridge/internal/models"

	"github.com/rs/zerolog"
)

// Prober performs the primary, authenticated reachability check.
type Prober interface {
	TestConnection(ctx context.Context) error
}

// HostSignal reports host-level network state.
type HostSignal interface {
	// Online returns the host's current view; known is false when it cannot tell.
	Online() (online, known bool)
	// Watch calls fn on every transition until ctx is done. It does not block.
	Watch(ctx context.Context, fn func(online bool))
}

// Options configures a Monitor.
type Options struct {
	Primary      Prober
	FallbackURLs []string
	HTTPClient   *http.Client
	ProbeTimeout time.Duration
	FastInterval time.Duration
	SlowInterval time.Duration
	VerifyDelay  time.Duration
	Host         HostSignal
	Bus          *events.EventBus
	Now          func() time.Time
	Logger       *zerolog.Logger
}

// Monitor is the only writer of the connectivity status. It polls fast
// while offline and slowly while online.
type Monitor struct {
	primary      Prober
	fallbackURLs []string
	httpClient   *http.Client
	probeTimeout time.Duration
	fast, slow   time.Duration
	verifyDelay  time.Duration
	host         HostSignal
	bus          *events.EventBus
	now          func() time.Time
	logger       zerolog.Logger

	mu          sync.Mutex
	status      models.ConnectivityStatus
	running     bool
	ctx         context.Context
	cancel      context.CancelFunc
	pollTimer   *time.Timer
	verifyTimer *time.Timer
}

func New(opts Options) *Monitor {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.FastInterval <= 0 {
		opts.FastInterval = models.FastPollInterval
	}
	if opts.SlowInterval <= 0 {
		opts.SlowInterval = models.SlowPollInterval
	}
	if opts.VerifyDelay <= 0 {
		opts.VerifyDelay = models.DefaultVerifyDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "connectivity").Logger()
	}

	online := true
	if opts.Host != nil {
		if hostOnline, known := opts.Host.Online(); known {
			online = hostOnline
		}
	}

	m := &Monitor{
		primary:      opts.Primary,
		fallbackURLs: opts.FallbackURLs,
		httpClient:   opts.HTTPClient,
		probeTimeout: opts.ProbeTimeout,
		fast:         opts.FastInterval,
		slow:         opts.SlowInterval,
		verifyDelay:  opts.VerifyDelay,
		host:         opts.Host,
		bus:          opts.Bus,
		now:          opts.Now,
		logger:       logger,
		status:       models.ConnectivityStatus{IsOnline: online},
	}
	metrics.SetOnline(online)
	return m
}

// IsOnline may return a stale value while a probe is in flight.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.IsOnline
}

func (m *Monitor) Status() models.ConnectivityStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// CheckConnectivity runs the primary probe, then each fallback in order,
// and records the outcome. It returns true iff any probe succeeded.
func (m *Monitor) CheckConnectivity(ctx context.Context) bool {
	ok := m.probe(ctx)
	m.setOnline(ok)
	return ok
}

func (m *Monitor) probe(ctx context.Context) bool {
	if m.primary != nil {
		pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		err := m.primary.TestConnection(pctx)
		cancel()
		if err == nil {
			return true
		}
		m.logger.Warn().Err(err).Msg("primary connectivity probe failed")
	}

	for _, url := range m.fallbackURLs {
		if err := m.head(ctx, url); err != nil {
			m.logger.Debug().Err(err).Str("url", url).Msg("fallback probe failed")
			continue
		}
		return true
	}
	return false
}

func (m *Monitor) head(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &probeStatusError{code: resp.StatusCode}
	}
	return nil
}

type probeStatusError struct{ code int }

func (e *probeStatusError) Error() string { return "probe returned " + http.StatusText(e.code) }

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if online {
		m.status.LastSuccessfulConnection = m.now().UnixMilli()
	}
	changed := m.status.IsOnline != online
	m.status.IsOnline = online
	status := m.status
	if changed && m.running {
		m.scheduleLocked()
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	metrics.SetOnline(online)
	eventType := events.EventOffline
	if online {
		eventType = events.EventOnline
		m.logger.Info().Msg("connectivity restored")
	} else {
		m.logger.Warn().Msg("connectivity lost")
	}
	if err := m.bus.PublishJSON(eventType, events.ConnectivityPayload{
		Online:                   status.IsOnline,
		LastSuccessfulConnection: status.LastSuccessfulConnection,
	}); err != nil {
		m.logger.Error().Err(err).Msg("publish connectivity event")
	}
}

// Start begins periodic checks and subscribes to host signals.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.scheduleLocked()
	m.mu.Unlock()

	if m.host != nil {
		m.host.Watch(runCtx, m.HandleHostSignal)
	}
	m.logger.Info().Bool("online", m.IsOnline()).Msg("connectivity monitor started")
}

// Stop cancels timers and host subscriptions. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.cancel()
	if m.pollTimer != nil {
		m.pollTimer.Stop()
		m.pollTimer = nil
	}
	if m.verifyTimer != nil {
		m.verifyTimer.Stop()
		m.verifyTimer = nil
	}
}

// HandleHostSignal trusts offline reports immediately and verifies online
// reports with a probe after the verify delay.
func (m *Monitor) HandleHostSignal(online bool) {
	if !online {
		m.logger.Info().Msg("host reported offline")
		m.setOnline(false)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.verifyTimer != nil {
		m.verifyTimer.Stop()
	}
	ctx := m.ctx
	m.verifyTimer = time.AfterFunc(m.verifyDelay, func() {
		if ctx.Err() != nil {
			return
		}
		m.CheckConnectivity(ctx)
	})
}

// scheduleLocked (re)arms the poll timer for the current state.
func (m *Monitor) scheduleLocked() {
	if m.pollTimer != nil {
		m.pollTimer.Stop()
	}
	interval := m.slow
	if !m.status.IsOnline {
		interval = m.fast
	}
	ctx := m.ctx
	m.pollTimer = time.AfterFunc(interval, func() { m.tick(ctx) })
}

// CurrentInterval returns the poll period matching the current state.
func (m *Monitor) CurrentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.IsOnline {
		return m.slow
	}
	return m.fast
}

func (m *Monitor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m.CheckConnectivity(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running && ctx.Err() == nil {
		m.scheduleLocked()
	}
}
