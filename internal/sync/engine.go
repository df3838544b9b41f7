package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckaddr/internal/apperr"
	"github.com/xelth-com/eckaddr/internal/config"
)

// CounterSyncer reconciles the shared usage counters with the remote.
type CounterSyncer interface {
	SyncAll(ctx context.Context) error
}

// LabelSyncer reconciles the label print log with the remote.
type LabelSyncer interface {
	Sync(ctx context.Context) error
}

// SyncRequest represents a sync request
type SyncRequest struct {
	Type      RequestType
	Reason    string
	Requested time.Time
}

// SyncResult represents the result of a sync operation
type SyncResult struct {
	Type      RequestType   `json:"type"`
	Reason    string        `json:"reason,omitempty"`
	Success   bool          `json:"success"`
	Drain     *DrainReport  `json:"drain,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// EngineOptions wires a SyncEngine. Only Drainer and Reloader are required.
type EngineOptions struct {
	Config     *config.SyncConfig
	Connection *ConnectionManager
	Drainer    *Drainer
	Queue      *Queue
	Reloader   Reloader
	Counters   CounterSyncer
	Labels     LabelSyncer
	Logger     zerolog.Logger
	OnResult   func(SyncResult)
}

// SyncEngine owns every background synchronization task: queue draining,
// forced reloads, counter and label reconciliation.
type SyncEngine struct {
	mu sync.RWMutex

	config   *config.SyncConfig
	conn     *ConnectionManager
	drainer  *Drainer
	queue    *Queue
	reloader Reloader
	counters CounterSyncer
	labels   LabelSyncer
	log      zerolog.Logger
	onResult func(SyncResult)

	// State
	isRunning  bool
	hooked     bool
	status     SyncStatus
	lastSync   time.Time
	lastResult *SyncResult

	// Channels
	stopChan chan struct{}
	syncChan chan SyncRequest
	done     sync.WaitGroup
}

// EngineStatus is a point-in-time view of the sync engine.
type EngineStatus struct {
	Running    bool        `json:"running"`
	Status     SyncStatus  `json:"status"`
	Online     bool        `json:"online"`
	Link       *LinkStatus `json:"link,omitempty"`
	Pending    int         `json:"pending"`
	Failed     int         `json:"failed"`
	LastSync   time.Time   `json:"last_sync"`
	LastResult *SyncResult `json:"last_result,omitempty"`
}

// NewSyncEngine creates a new sync engine
func NewSyncEngine(opts EngineOptions) *SyncEngine {
	if opts.Config == nil {
		opts.Config = config.DefaultSyncConfig()
	}
	return &SyncEngine{
		config:   opts.Config,
		conn:     opts.Connection,
		drainer:  opts.Drainer,
		queue:    opts.Queue,
		reloader: opts.Reloader,
		counters: opts.Counters,
		labels:   opts.Labels,
		log:      opts.Logger.With().Str("component", "sync").Logger(),
		onResult: opts.OnResult,
		status:   SyncStatusIdle,
		stopChan: make(chan struct{}),
		syncChan: make(chan SyncRequest, 100),
	}
}

// Start starts the sync engine
func (se *SyncEngine) Start() error {
	se.mu.Lock()
	defer se.mu.Unlock()

	if se.isRunning {
		return fmt.Errorf("sync engine already running")
	}

	se.isRunning = true
	se.stopChan = make(chan struct{})
	se.log.Info().Msg("🔄 Sync Engine starting...")

	if se.conn != nil {
		if se.config.DrainOnReconnect && !se.hooked {
			se.hooked = true
			se.conn.OnReconnect(func() { se.Request(RequestDrain, "reconnected") })
		}
		se.conn.Start()
	}

	se.done.Add(1)
	go se.syncWorker(se.stopChan)

	if se.config.AutoSyncEnabled {
		se.done.Add(1)
		go se.autoSyncLoop(se.stopChan)
	}

	if se.config.SyncOnStartup {
		se.Request(RequestDrain, "startup")
		se.Request(RequestCounters, "startup")
	}

	se.log.Info().Msg("✅ Sync Engine started")
	return nil
}

// Stop stops the sync engine and waits for the request in flight.
func (se *SyncEngine) Stop() {
	se.mu.Lock()
	if !se.isRunning {
		se.mu.Unlock()
		return
	}
	se.log.Info().Msg("🛑 Stopping Sync Engine...")
	se.isRunning = false
	close(se.stopChan)
	if se.conn != nil {
		se.conn.Stop()
	}
	se.mu.Unlock()

	se.done.Wait()
	se.log.Info().Msg("✅ Sync Engine stopped")
}

// Request queues work for the worker. It never blocks; a full channel
// drops the request since an equal one is already waiting.
func (se *SyncEngine) Request(t RequestType, reason string) bool {
	select {
	case se.syncChan <- SyncRequest{Type: t, Reason: reason, Requested: time.Now()}:
		return true
	default:
		se.log.Warn().Str("type", string(t)).Msg("⏳ Sync request channel full, dropping request")
		return false
	}
}

// Run processes one request synchronously, bypassing the worker.
func (se *SyncEngine) Run(ctx context.Context, t RequestType) SyncResult {
	return se.process(ctx, SyncRequest{Type: t, Reason: "manual", Requested: time.Now()})
}

// syncWorker processes sync requests
func (se *SyncEngine) syncWorker(stop <-chan struct{}) {
	defer se.done.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case req := <-se.syncChan:
			se.process(ctx, req)
		case <-stop:
			return
		}
	}
}

func (se *SyncEngine) process(ctx context.Context, req SyncRequest) SyncResult {
	se.setStatus(SyncStatusRunning)
	start := time.Now()
	result := SyncResult{Type: req.Type, Reason: req.Reason, Timestamp: start}

	var err error
	switch req.Type {
	case RequestDrain:
		var report DrainReport
		report, err = se.drainer.Drain(ctx)
		result.Drain = &report
		if apperr.IsIntegrity(err) {
			err = se.forceReload(ctx, err)
		}
	case RequestReload:
		err = se.forceReload(ctx, nil)
	case RequestCounters:
		if se.counters != nil {
			err = se.counters.SyncAll(ctx)
		}
	case RequestLabels:
		if se.labels != nil {
			err = se.labels.Sync(ctx)
		}
	default:
		err = fmt.Errorf("unknown sync request %q", req.Type)
	}

	result.Duration = time.Since(start)
	result.Success = err == nil
	if err != nil {
		result.Error = err.Error()
		se.log.Warn().Err(err).Str("type", string(req.Type)).Str("reason", req.Reason).Msg("⚠️  Sync request failed")
	} else {
		se.log.Debug().Str("type", string(req.Type)).Dur("duration", result.Duration).Msg("Sync request done")
	}

	se.mu.Lock()
	se.lastSync = time.Now()
	se.lastResult = &result
	if result.Success {
		se.status = SyncStatusCompleted
	} else {
		se.status = SyncStatusFailed
	}
	se.mu.Unlock()

	if se.onResult != nil {
		se.onResult(result)
	}
	return result
}

// forceReload rebuilds the cache. cause is the integrity error that asked
// for it, if any.
func (se *SyncEngine) forceReload(ctx context.Context, cause error) error {
	if se.reloader == nil {
		return cause
	}
	if cause != nil {
		se.log.Warn().Err(cause).Msg("🔁 Integrity error, forcing full reload")
	}
	return se.reloader.Reload(ctx)
}

// autoSyncLoop periodically triggers automatic synchronization
func (se *SyncEngine) autoSyncLoop(stop <-chan struct{}) {
	defer se.done.Done()
	ticker := time.NewTicker(se.config.AutoSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if se.conn != nil && !se.conn.IsOnline() {
				se.log.Debug().Msg("⏭️ Auto-sync skipped, remote offline")
				continue
			}
			if se.queue == nil || se.queue.Len() > 0 {
				se.Request(RequestDrain, "auto")
			}
			se.Request(RequestCounters, "auto")
			se.Request(RequestLabels, "auto")
		case <-stop:
			return
		}
	}
}

func (se *SyncEngine) setStatus(s SyncStatus) {
	se.mu.Lock()
	se.status = s
	se.mu.Unlock()
}

// Status returns the current sync status
func (se *SyncEngine) Status() EngineStatus {
	se.mu.RLock()
	st := EngineStatus{
		Running:    se.isRunning,
		Status:     se.status,
		LastSync:   se.lastSync,
		LastResult: se.lastResult,
		Online:     true,
	}
	se.mu.RUnlock()

	if se.conn != nil {
		link := se.conn.Status()
		st.Link = &link
		st.Online = link.Online
	}
	if se.queue != nil {
		st.Pending = se.queue.Len()
		st.Failed = len(se.queue.Failed())
	}
	return st
}
