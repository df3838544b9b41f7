package sync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pinger is anything that can tell whether the remote store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Transition records a change of the online flag
type Transition struct {
	Online    bool      `json:"online"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// LinkStatus tracks the health of the remote link
type LinkStatus struct {
	Online       bool          `json:"online"`
	LastCheck    time.Time     `json:"last_check"`
	LastSuccess  *time.Time    `json:"last_success,omitempty"`
	LastFailure  *time.Time    `json:"last_failure,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	AvgLatency   time.Duration `json:"avg_latency"`
	latencySum   time.Duration
	latencyCount int
}

const historyLimit = 100

// ConnectionManager tracks whether the remote store is reachable
type ConnectionManager struct {
	mu sync.RWMutex

	pinger      Pinger
	pingTimeout time.Duration
	log         zerolog.Logger

	status      LinkStatus
	history     []Transition
	onReconnect []func()

	// Health check
	healthCheckInterval time.Duration
	healthCheckRunning  bool
	stopHealthCheck     chan struct{}
}

// NewConnectionManager creates a connection manager. It starts offline
// until the first successful check.
func NewConnectionManager(pinger Pinger, interval, pingTimeout time.Duration, logger zerolog.Logger) *ConnectionManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	return &ConnectionManager{
		pinger:              pinger,
		pingTimeout:         pingTimeout,
		log:                 logger.With().Str("component", "connection").Logger(),
		history:             make([]Transition, 0),
		healthCheckInterval: interval,
		stopHealthCheck:     make(chan struct{}),
	}
}

// Start begins health checking
func (cm *ConnectionManager) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.healthCheckRunning {
		return
	}

	cm.healthCheckRunning = true
	cm.stopHealthCheck = make(chan struct{})
	go cm.healthCheckLoop(cm.stopHealthCheck)
}

// Stop stops health checking
func (cm *ConnectionManager) Stop() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.healthCheckRunning {
		return
	}

	cm.healthCheckRunning = false
	close(cm.stopHealthCheck)
}

// OnReconnect registers fn to run, in its own goroutine, every time the
// link goes from offline to online.
func (cm *ConnectionManager) OnReconnect(fn func()) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onReconnect = append(cm.onReconnect, fn)
}

// IsOnline returns whether the remote store answered the last check
func (cm *ConnectionManager) IsOnline() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.status.Online
}

// Status returns a copy of the link status
func (cm *ConnectionManager) Status() LinkStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.status
}

// History returns the recorded transitions, oldest first
func (cm *ConnectionManager) History() []Transition {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]Transition, len(cm.history))
	copy(out, cm.history)
	return out
}

// MarkOffline flips the link offline after a failed call elsewhere. The
// next health check decides when it comes back.
func (cm *ConnectionManager) MarkOffline(reason string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	cm.status.LastFailure = &now
	cm.status.LastError = reason
	cm.setOnline(false, reason)
}

// Check pings the remote once and updates the online flag.
func (cm *ConnectionManager) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, cm.pingTimeout)
	defer cancel()

	start := time.Now()
	err := cm.pinger.Ping(ctx)
	latency := time.Since(start)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	cm.status.LastCheck = now
	if err != nil {
		cm.status.FailureCount++
		cm.status.LastFailure = &now
		cm.status.LastError = err.Error()
		if cm.status.Online {
			cm.log.Warn().Err(err).Msg("Remote store stopped answering")
		}
		cm.setOnline(false, "health_check_failed")
		return false
	}

	cm.status.SuccessCount++
	cm.status.LastSuccess = &now
	cm.status.LastError = ""
	cm.status.latencySum += latency
	cm.status.latencyCount++
	cm.status.AvgLatency = cm.status.latencySum / time.Duration(cm.status.latencyCount)
	cm.setOnline(true, "health_check_ok")
	return true
}

// setOnline must be called with cm.mu held
func (cm *ConnectionManager) setOnline(online bool, reason string) {
	if cm.status.Online == online && len(cm.history) > 0 {
		return
	}
	cm.status.Online = online

	cm.history = append(cm.history, Transition{Online: online, Reason: reason, Timestamp: time.Now()})

	// Keep only last 100 transitions
	if len(cm.history) > historyLimit {
		cm.history = cm.history[len(cm.history)-historyLimit:]
	}

	if online {
		cm.log.Info().Str("reason", reason).Msg("🌐 Remote store online")
		for _, fn := range cm.onReconnect {
			go fn()
		}
	} else {
		cm.log.Warn().Str("reason", reason).Msg("📴 Remote store offline")
	}
}

// healthCheckLoop periodically checks the link
func (cm *ConnectionManager) healthCheckLoop(stop <-chan struct{}) {
	cm.mu.RLock()
	interval := cm.healthCheckInterval
	cm.mu.RUnlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cm.Check(context.Background())
	for {
		select {
		case <-ticker.C:
			cm.Check(context.Background())
		case <-stop:
			return
		}
	}
}
