package sync

// ConflictDomain selects the merge strategy for a conflict
type ConflictDomain string

const (
	DomainCounter ConflictDomain = "counter"
	DomainRecord  ConflictDomain = "record"
)

// ConflictResolutionStrategy names how a conflict was merged
type ConflictResolutionStrategy string

const (
	// StrategyCounterMax takes the max of totals and of every category.
	StrategyCounterMax ConflictResolutionStrategy = "counter_max"
	// StrategyLatestWins keeps the later record and merges metadata into it.
	StrategyLatestWins ConflictResolutionStrategy = "latest_wins_merge_metadata"
)

// StrategyFor returns the fixed strategy of a domain.
func StrategyFor(domain ConflictDomain) ConflictResolutionStrategy {
	switch domain {
	case DomainCounter:
		return StrategyCounterMax
	case DomainRecord:
		return StrategyLatestWins
	}
	return ""
}

// LiveSource tells where a live status answer came from
type LiveSource string

const (
	SourceLive  LiveSource = "live"
	SourceCache LiveSource = "cache"
)

// RequestType names work the sync worker can be asked to do
type RequestType string

const (
	RequestDrain    RequestType = "drain"
	RequestReload   RequestType = "reload"
	RequestCounters RequestType = "counters"
	RequestLabels   RequestType = "labels"
)

// SyncStatus represents the status of a sync pass
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)
