// Package model defines the data types persisted and exchanged by the
// download coordination engine: downloads, chunks, attempts, and history
// events.
package model

import "time"

// State is a download's position in the state machine.
type State string

const (
	StateQueued      State = "queued"
	StateStarting    State = "starting"
	StateDownloading State = "downloading"
	StateMerging     State = "merging"
	StateVerifying   State = "verifying"
	StateCompleted   State = "completed"
	StatePaused      State = "paused"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// IsTerminal reports whether no further transition is expected without an
// explicit resume/retry.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// transitions enumerates the directed edges of the state machine
// (spec.md §4.1). It is consulted, through CanTransition, by
// store.StateStore.TransitionState.
var transitions = map[State][]State{
	StateQueued:      {StateStarting, StatePaused, StateFailed, StateCancelled},
	StateStarting:    {StateDownloading, StatePaused, StateFailed, StateCancelled},
	StateDownloading: {StateMerging, StateVerifying, StatePaused, StateFailed, StateCancelled},
	StateMerging:     {StateVerifying, StatePaused, StateFailed, StateCancelled},
	StateVerifying:   {StateCompleted, StatePaused, StateFailed, StateCancelled},
	StatePaused:      {StateQueued, StateFailed, StateCancelled},
	StateFailed:      {StateQueued},
	StateCancelled:   {StateQueued},
	StateCompleted:   {},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Protocol identifies the scheme a download's source URL was resolved to.
type Protocol string

const (
	ProtocolHTTP    Protocol = "http"
	ProtocolHTTPS   Protocol = "https"
	ProtocolFTP     Protocol = "ftp"
	ProtocolSFTP    Protocol = "sftp"
	ProtocolTorrent Protocol = "torrent"
)

// Priority is a download's base scheduling priority.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Download is the authoritative record for a single logical download.
type Download struct {
	ID          int64    `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Mirrors     []string `json:"mirrors,omitempty"`
	MirrorIndex int      `json:"mirror_index"`
	SavePath    string   `json:"save_path"`
	Host        string   `json:"host"`
	Protocol    Protocol `json:"protocol,omitempty"`

	State    State   `json:"state"`
	Progress float64 `json:"progress"`

	DownloadedBytes int64 `json:"downloaded_bytes"`
	TotalBytes      int64 `json:"total_bytes"`

	Priority   Priority `json:"priority"`
	RetryCount int      `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	PreserveStructure bool `json:"preserve_structure"`
	ForceOverwrite    bool `json:"force_overwrite"`

	LastError string `json:"last_error,omitempty"`

	ExpectedHash string `json:"expected_hash,omitempty"`
	ActualHash   string `json:"actual_hash,omitempty"`
	SizeVerified bool   `json:"size_verified"`
	HashVerified bool   `json:"hash_verified"`

	PartialTailHash string `json:"partial_tail_hash,omitempty"`
	PartialTailSize int64  `json:"partial_tail_size,omitempty"`

	// Version is the StateStore's global state-version at the time this
	// download was last mutated; used for incremental snapshots.
	Version uint64 `json:"version"`
}

// ChunkState is a chunk's position in its own, simpler state machine.
type ChunkState string

const (
	ChunkPending     ChunkState = "pending"
	ChunkDownloading ChunkState = "downloading"
	ChunkCompleted   ChunkState = "completed"
	ChunkFailed      ChunkState = "failed"
	ChunkPaused      ChunkState = "paused"
)

// Chunk is one contiguous byte range of a chunked download.
type Chunk struct {
	DownloadID int64      `json:"download_id"`
	Index      int        `json:"index"`
	Start      int64      `json:"start"`
	End        int64      `json:"end"` // inclusive
	State      ChunkState `json:"state"`

	DownloadedBytes int64  `json:"downloaded_bytes"`
	TempFile        string `json:"temp_file"`

	Hash         string `json:"hash,omitempty"`
	HashVerified bool   `json:"hash_verified"`

	TailCheckpointHash string `json:"tail_checkpoint_hash,omitempty"`
	TailCheckpointSize int64  `json:"tail_checkpoint_size,omitempty"`

	RetryCount int `json:"retry_count"`
}

// Size returns the chunk's declared byte length.
func (c Chunk) Size() int64 { return c.End - c.Start + 1 }

// Remaining returns the bytes left to fetch for this chunk.
func (c Chunk) Remaining() int64 { return c.Size() - c.DownloadedBytes }

// CurrentPosition is the byte offset to resume a partially-downloaded
// chunk from.
func (c Chunk) CurrentPosition() int64 { return c.Start + c.DownloadedBytes }

// Attempt is an append-only record of one transfer attempt.
type Attempt struct {
	DownloadID     int64     `json:"download_id"`
	ChunkIndex     *int      `json:"chunk_index,omitempty"`
	AttemptNumber  int       `json:"attempt_number"`
	Timestamp      time.Time `json:"timestamp"`
	Error          string    `json:"error,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	BytesTransferred int64   `json:"bytes_transferred"`
	DurationMS     int64     `json:"duration_ms"`
	SpeedBPS       int64     `json:"speed_bytes_per_sec"`
}

// HistoryEvent is an append-only state-transition record.
type HistoryEvent struct {
	DownloadID int64     `json:"download_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Timestamp  time.Time `json:"timestamp"`
}

// HostMetrics aggregates per-origin-hostname counters.
type HostMetrics struct {
	Host              string        `json:"host"`
	Completed         int64         `json:"completed"`
	Errors            int64         `json:"errors"`
	TotalBytes        int64         `json:"total_bytes"`
	TotalTransferTime time.Duration `json:"total_transfer_time"`
	MinDuration       time.Duration `json:"min_duration"`
	MaxDuration       time.Duration `json:"max_duration"`
}

// AverageSpeed returns the host's lifetime average throughput in bytes/sec.
func (h HostMetrics) AverageSpeed() float64 {
	secs := h.TotalTransferTime.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(h.TotalBytes) / secs
}

// StateSummary is a count of downloads per state, used in snapshots.
type StateSummary map[State]int

// Snapshot is returned by StateStore.GetSnapshot.
type Snapshot struct {
	Version   uint64       `json:"version"`
	Summary   StateSummary `json:"summary"`
	Downloads []Download   `json:"downloads"`
	// AllIDs is populated only for incremental snapshots (min_version > 0)
	// so observers can detect deletions.
	AllIDs    []int64 `json:"all_ids,omitempty"`
	Truncated bool    `json:"truncated"`
}
