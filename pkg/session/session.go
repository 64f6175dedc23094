// Package session owns the outbound HTTP client used for all network
// fetches: key resolution, actor documents, and activity delivery.
package session

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager lazily creates and, on failure, recreates the process-wide
// outbound client. One client is reused by every component; a failed
// client is replaced wholesale, never repaired.
type Manager struct {
	mu       sync.Mutex
	client   *http.Client
	proxyURL string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewManager creates a session manager. proxyURL may be empty for direct
// connections.
func NewManager(proxyURL string, timeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		proxyURL: proxyURL,
		timeout:  timeout,
		logger:   logger,
	}
}

// Ensure guarantees a live client exists, creating one if needed. The
// callerTag identifies the component asking, for the logs. Callers abort
// their fetch locally when Ensure returns false.
func (m *Manager) Ensure(callerTag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return true
	}

	client, err := m.build()
	if err != nil {
		m.logger.Error("Failed to create outbound session",
			zap.String("caller", callerTag),
			zap.Error(err))
		return false
	}

	m.client = client
	m.logger.Info("Outbound session created",
		zap.String("caller", callerTag),
		zap.Bool("proxied", m.proxyURL != ""))
	return true
}

// Client returns the current client, or nil when none exists. Callers are
// expected to have called Ensure first.
func (m *Manager) Client() *http.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Invalidate discards the current client. The next Ensure builds a fresh
// one; there is no partial repair.
func (m *Manager) Invalidate(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return
	}
	m.client.CloseIdleConnections()
	m.client = nil
	m.logger.Warn("Outbound session invalidated", zap.String("reason", reason))
}

func (m *Manager) build() (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	if m.proxyURL != "" {
		proxy, err := url.Parse(m.proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   m.timeout,
	}, nil
}
