// Package netmon provides edge-triggered connectivity monitoring.
//
// The monitor polls an injected probe and emits exactly one restored event
// per offline-to-online transition. Repeated "still online" observations do
// not re-fire the event, so downstream consumers (the drain loop) are not
// retriggered by level noise.
package netmon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Probe reports whether the remote side is currently reachable.
type Probe func(ctx context.Context) bool

// Monitor watches connectivity and reports offline-to-online transitions.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *log.Logger

	restored chan struct{}

	mu      sync.Mutex
	online  bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a monitor over the given probe.
//
// The monitor starts in the offline state, so the first successful probe
// after Start fires a restored event. If interval is zero it defaults to
// 15 seconds. If logger is nil, a default logger writing to stderr is used.
func New(probe Probe, interval time.Duration, logger *log.Logger) *Monitor {
	if interval == 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		restored: make(chan struct{}, 1),
	}
}

// Start begins polling the probe in the background.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}
	if m.probe == nil {
		return fmt.Errorf("probe cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go m.poll(ctx)

	return nil
}

// Stop halts polling and waits for the poll loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

// Restored returns the channel that receives one event per
// offline-to-online transition.
func (m *Monitor) Restored() <-chan struct{} {
	return m.restored
}

// IsOnline reports the last observed connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity observation from an upstream source
// (a platform callback, or a probe result). The restored event fires only
// on the offline-to-online edge.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	m.mu.Unlock()

	if online && !wasOnline {
		m.logger.Printf("Connectivity restored")
		// Non-blocking: one buffered event is enough, the consumer drains
		// the whole queue regardless of how many transitions it missed.
		select {
		case m.restored <- struct{}{}:
		default:
		}
	} else if !online && wasOnline {
		m.logger.Printf("Connectivity lost")
	}
}

// poll drives the probe at the configured interval until Stop.
func (m *Monitor) poll(ctx context.Context) {
	defer m.wg.Done()

	// Probe once immediately so the daemon doesn't wait a full interval
	// to discover it is online.
	m.SetOnline(m.probe(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.probe(ctx))
		}
	}
}

// HTTPProbe returns a probe that issues a HEAD request against url and
// reports reachability. Any HTTP response counts as online; only transport
// failures count as offline.
func HTTPProbe(url string, timeout time.Duration) Probe {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}
}
