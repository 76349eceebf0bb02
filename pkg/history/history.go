package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rchdaemon/rchd/pkg/log"
	"github.com/rchdaemon/rchd/pkg/metrics"
	"github.com/rchdaemon/rchd/pkg/types"
)

// DefaultCapacity is the default number of build records retained in
// memory.
const DefaultCapacity = 100

// History is a bounded, monotonic-id ring buffer of completed builds
// plus the set of currently active ones. A single reader-writer lock
// protects both; persistence to the JSONL file is best-effort and never
// blocks a caller on a write failure.
type History struct {
	mu           sync.RWMutex
	records      []types.BuildRecord // oldest first
	capacity     int
	nextID       atomic.Uint64
	activeBuilds map[uint64]*types.ActiveBuild
	persistPath  string
}

// New creates a History with the given capacity and no persistence.
func New(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h := &History{
		capacity:     capacity,
		records:      make([]types.BuildRecord, 0, capacity),
		activeBuilds: make(map[uint64]*types.ActiveBuild),
	}
	h.nextID.Store(1)
	metrics.HistorySize.Set(0)
	return h
}

// WithPersistence enables best-effort append-only JSONL persistence to
// path and returns the same History for chaining.
func (h *History) WithPersistence(path string) *History {
	h.mu.Lock()
	h.persistPath = path
	h.mu.Unlock()
	return h
}

// LoadFromFile loads history from a JSONL file, clamping to capacity
// (oldest records dropped first) and seeding the id counter to
// max(id)+1. Malformed lines are skipped with a warning, never a
// hard failure.
func LoadFromFile(path string, capacity int) (*History, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	logger := log.WithComponent("history")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening history file %s: %w", path, err)
	}
	defer f.Close()

	var records []types.BuildRecord
	var maxID uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		var rec types.BuildRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logger.Warn().Err(err).Msg("skipping malformed history line")
			continue
		}
		if rec.ID > maxID {
			maxID = rec.ID
		}
		records = append(records, rec)
		if len(records) > capacity {
			records = records[len(records)-capacity:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading history file %s: %w", path, err)
	}

	h := &History{
		capacity:     capacity,
		records:      records,
		activeBuilds: make(map[uint64]*types.ActiveBuild),
		persistPath:  path,
	}
	h.nextID.Store(maxID + 1)
	metrics.HistorySize.Set(float64(len(records)))
	return h, nil
}

// NextID returns a fresh, monotonically increasing build id.
func (h *History) NextID() uint64 {
	return h.nextID.Add(1) - 1
}

// Record appends a completed build record, evicting the oldest record
// if the buffer is at capacity, and best-effort persists it.
func (h *History) Record(rec types.BuildRecord) {
	h.mu.Lock()
	if len(h.records) >= h.capacity {
		h.records = h.records[1:]
	}
	h.records = append(h.records, rec)
	path := h.persistPath
	size := len(h.records)
	h.mu.Unlock()

	metrics.HistorySize.Set(float64(size))
	if path != "" {
		if err := persistRecord(path, rec); err != nil {
			log.WithComponent("history").Warn().Err(err).Msg("failed to persist build record")
		}
	}
}

func persistRecord(path string, rec types.BuildRecord) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Recent returns up to n of the most recently recorded builds, most
// recent first.
func (h *History) Recent(n int) []types.BuildRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return reversedTail(h.records, n, func(types.BuildRecord) bool { return true })
}

// ByWorker returns up to n records for workerID, most recent first.
func (h *History) ByWorker(workerID string, n int) []types.BuildRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return reversedTail(h.records, n, func(r types.BuildRecord) bool {
		return r.WorkerID != nil && *r.WorkerID == workerID
	})
}

// ByProject returns up to n records for projectID, most recent first.
func (h *History) ByProject(projectID string, n int) []types.BuildRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return reversedTail(h.records, n, func(r types.BuildRecord) bool {
		return r.ProjectID == projectID
	})
}

func reversedTail(records []types.BuildRecord, limit int, keep func(types.BuildRecord) bool) []types.BuildRecord {
	out := make([]types.BuildRecord, 0, limit)
	for i := len(records) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(records[i]) {
			out = append(out, records[i])
		}
	}
	return out
}

// Stats returns aggregate statistics over the retained window.
func (h *History) Stats() types.BuildStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := len(h.records)
	if total == 0 {
		return types.BuildStats{}
	}

	var successes, remote int
	var totalDuration int64
	for _, r := range h.records {
		if r.ExitCode == 0 {
			successes++
		}
		if r.Location == types.BuildRemote {
			remote++
		}
		totalDuration += r.DurationMS
	}

	return types.BuildStats{
		TotalBuilds:   total,
		SuccessCount:  successes,
		FailureCount:  total - successes,
		RemoteCount:   remote,
		LocalCount:    total - remote,
		AvgDurationMS: totalDuration / int64(total),
	}
}

// Len returns the number of records currently retained in memory.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// StartActiveBuild registers a new active build and returns its record.
func (h *History) StartActiveBuild(id uint64, projectID, workerID, command string, pid, attempt int, loc types.BuildLocation) *types.ActiveBuild {
	build := &types.ActiveBuild{
		ID:        id,
		ProjectID: projectID,
		WorkerID:  workerID,
		Command:   command,
		PID:       pid,
		Attempt:   attempt,
		Location:  loc,
		StartedAt: time.Now().UTC(),
	}

	h.mu.Lock()
	h.activeBuilds[id] = build
	h.mu.Unlock()
	return build
}

// CompleteActiveBuild moves an active build into the historical ring
// buffer and returns the resulting record. Returns an error if no such
// active build exists (it may have already been completed or cancelled).
func (h *History) CompleteActiveBuild(id uint64, exitCode int, bytesTransferred *uint64, cancellationCause *string) (types.BuildRecord, error) {
	h.mu.Lock()
	active, ok := h.activeBuilds[id]
	if !ok {
		h.mu.Unlock()
		return types.BuildRecord{}, fmt.Errorf("no active build with id %d", id)
	}
	delete(h.activeBuilds, id)
	h.mu.Unlock()

	now := time.Now().UTC()
	workerID := active.WorkerID
	rec := types.BuildRecord{
		ID:                id,
		StartedAt:         active.StartedAt,
		CompletedAt:       now,
		ProjectID:         active.ProjectID,
		WorkerID:          &workerID,
		Command:           active.Command,
		ExitCode:          exitCode,
		DurationMS:        now.Sub(active.StartedAt).Milliseconds(),
		Location:          active.Location,
		BytesTransferred:  bytesTransferred,
		CancellationCause: cancellationCause,
	}
	h.Record(rec)
	return rec, nil
}

// ActiveBuildIDsForWorker returns the IDs of builds currently active on
// workerID, used by the reclaim safety gate.
func (h *History) ActiveBuildIDsForWorker(workerID string) []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []uint64
	for id, b := range h.activeBuilds {
		if b.WorkerID == workerID {
			ids = append(ids, id)
		}
	}
	return ids
}

// ActiveBuild returns the active build with the given id, if any.
func (h *History) ActiveBuild(id uint64) (*types.ActiveBuild, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.activeBuilds[id]
	return b, ok
}

// BytesTransferredForProject returns the bytes_transferred values of
// remote builds recorded for projectID, most recent first, used by the
// headroom estimator's percentile calculation.
func (h *History) BytesTransferredForProject(projectID string) []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []uint64
	for i := len(h.records) - 1; i >= 0; i-- {
		r := h.records[i]
		if r.ProjectID == projectID && r.Location == types.BuildRemote && r.BytesTransferred != nil {
			out = append(out, *r.BytesTransferred)
		}
	}
	return out
}

// BytesTransferredGlobal returns bytes_transferred across all remote
// builds in history, used as the estimator's fallback distribution.
func (h *History) BytesTransferredGlobal() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []uint64
	for _, r := range h.records {
		if r.Location == types.BuildRemote && r.BytesTransferred != nil {
			out = append(out, *r.BytesTransferred)
		}
	}
	return out
}

// Compact rewrites the persistence file to contain only the records
// currently held in memory.
func (h *History) Compact() error {
	h.mu.RLock()
	path := h.persistPath
	records := make([]types.BuildRecord, len(h.records))
	copy(records, h.records)
	h.mu.RUnlock()

	if path == "" {
		return nil
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
