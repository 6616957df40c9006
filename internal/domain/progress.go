package domain

import (
	"encoding/json"
	"time"
)

// ProgressStatus is the lifecycle phase a progress update reports.
type ProgressStatus string

const (
	ProgressStarted    ProgressStatus = "started"
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
	ProgressError      ProgressStatus = "error"
)

// ChunkInfo describes where a chunked operation currently stands.
// Present only on updates emitted by the chunked execution engine.
type ChunkInfo struct {
	CurrentChunk int `json:"currentChunk"`
	TotalChunks  int `json:"totalChunks"`
	ChunkSize    int `json:"chunkSize"`
}

// ProgressUpdate is the advisory progress record for one in-flight command.
// Updates are informational only: the ResponseEnvelope remains the sole
// authoritative completion signal, and a consumer that ignores every update
// still observes correct final results.
type ProgressUpdate struct {
	CommandID      string          `json:"commandId"`
	CommandType    string          `json:"commandType"`
	Status         ProgressStatus  `json:"status"`
	Progress       int             `json:"progress"` // 0..100, monotonically non-decreasing
	TotalItems     int             `json:"totalItems"`
	ProcessedItems int             `json:"processedItems"`
	Message        string          `json:"message,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Chunk          *ChunkInfo      `json:"chunk,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"` // partial results, if any
}

// ItemResult records the outcome of one item inside a chunked operation.
// Failures are recorded, never propagated: one bad item must not abort the
// remaining work.
type ItemResult struct {
	ItemID  string          `json:"itemId"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
