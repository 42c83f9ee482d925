// Package history implements the durable History Store (spec.md §4.D,
// component D): one row per workflow, keyed by workflow_id, durable across
// restarts. It is backed by bbolt, promoted from an indirect dependency of
// the teacher's go.mod (pulled in transitively via the BMC/Redfish stack)
// to a direct one: an embedded, single-file, ACID key/value store is the
// natural fit for a single-process orchestrator that must survive restarts
// without standing up an external database.
package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/metalorch/metalorch/pkg/model"
)

var bucketWorkflows = []byte("workflows")

// ErrNotFound is returned by Get when no record exists for a workflow id.
type ErrNotFound struct{ WorkflowID string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("history: workflow %q not found", e.WorkflowID)
}

// Store is the durable workflow history. All operations are serialized
// per workflow_id by bbolt's single-writer transaction model; concurrent
// writes to different workflow ids still serialize through one writer
// transaction at a time, which this component's write volume never makes
// a bottleneck (spec.md §4.D).
type Store struct {
	db *bolt.DB

	mu sync.Mutex // guards read-modify-write of a single record
}

// Open opens (creating if necessary) a bbolt database at path and ensures
// the workflows bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWorkflows)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// RecordStart creates the initial row for a newly started workflow.
func (s *Store) RecordStart(workflowID, serverID, deviceType string, totalSteps int, startedAt time.Time, metadata map[string]any) error {
	rec := model.HistoryRecord{
		WorkflowID: workflowID,
		ServerID:   serverID,
		DeviceType: deviceType,
		Status:     model.WorkflowRunning,
		StartedAt:  startedAt,
		TotalSteps: totalSteps,
		Metadata:   metadata,
	}
	return s.put(rec)
}

// UpdateProgress advances steps_completed and merges metadata after a step
// completes successfully. Per spec.md §4.D, a failure here is logged by the
// caller but must never fail the workflow; UpdateProgress itself still
// returns the error so the caller can decide how to log it.
func (s *Store) UpdateProgress(workflowID string, stepsCompleted int, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(workflowID)
	if err != nil {
		return err
	}
	rec.StepsCompleted = stepsCompleted
	rec.Metadata = mergeMetadata(rec.Metadata, metadata)
	return s.put(rec)
}

// Finalize sets the terminal status, completion time, and optional error.
func (s *Store) Finalize(workflowID string, status model.WorkflowStatus, completedAt time.Time, workflowErr *model.WorkflowError, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.get(workflowID)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.CompletedAt = &completedAt
	rec.Error = workflowErr
	rec.Metadata = mergeMetadata(rec.Metadata, metadata)
	return s.put(rec)
}

// Get returns the record for workflowID, or *ErrNotFound.
func (s *Store) Get(workflowID string) (model.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(workflowID)
}

func (s *Store) get(workflowID string) (model.HistoryRecord, error) {
	var rec model.HistoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWorkflows).Get([]byte(workflowID))
		if raw == nil {
			return &ErrNotFound{WorkflowID: workflowID}
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

func (s *Store) put(rec model.HistoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal record %s: %w", rec.WorkflowID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(rec.WorkflowID), data)
	})
}

// Filter narrows List's results. A zero-value Filter matches everything.
type Filter struct {
	Status   model.WorkflowStatus // empty matches any status
	ServerID string                // empty matches any server
}

func (f Filter) matches(rec model.HistoryRecord) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.ServerID != "" && rec.ServerID != f.ServerID {
		return false
	}
	return true
}

// List returns records matching filter, ordered by workflow_id for a
// stable, deterministic result set.
func (s *Store) List(filter Filter) ([]model.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.HistoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(_, raw []byte) error {
			var rec model.HistoryRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("history: decode record: %w", err)
			}
			if filter.matches(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

// ReconcileRestart marks every row still RUNNING as FAILED with error
// orchestrator_restart. It must run once at startup, before the Manager
// begins accepting new workflows (spec.md §4.D, Invariant 8).
func (s *Store) ReconcileRestart(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running, err := func() ([]model.HistoryRecord, error) {
		var out []model.HistoryRecord
		err := s.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketWorkflows).ForEach(func(_, raw []byte) error {
				var rec model.HistoryRecord
				if err := json.Unmarshal(raw, &rec); err != nil {
					return err
				}
				if rec.Status == model.WorkflowRunning {
					out = append(out, rec)
				}
				return nil
			})
		})
		return out, err
	}()
	if err != nil {
		return 0, err
	}

	for _, rec := range running {
		rec.Status = model.WorkflowFailed
		rec.CompletedAt = &now
		rec.Error = &model.WorkflowError{Kind: model.ErrKindInternal, Detail: "orchestrator_restart"}
		if err := s.put(rec); err != nil {
			return 0, fmt.Errorf("history: reconcile %s: %w", rec.WorkflowID, err)
		}
	}
	return len(running), nil
}

func mergeMetadata(base, update map[string]any) map[string]any {
	if base == nil && update == nil {
		return nil
	}
	out := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}
