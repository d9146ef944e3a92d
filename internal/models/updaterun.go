package models

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/updeck/updeck/internal/db"
)

// Update-run status values.
const (
	RunSuccess    = "success"
	RunFailed     = "failed"
	RunRolledBack = "rolled_back"
)

// UpdateRun is the persisted summary of one container update or package
// apply. Append-only history; the full ephemeral attempt (with its step log)
// is flattened into Steps.
type UpdateRun struct {
	ID         uint64    `json:"id"`
	Host       string    `json:"host"`
	Kind       string    `json:"kind"` // "container" or "packages"
	Container  string    `json:"container,omitempty"`
	OldImage   string    `json:"oldImage,omitempty"`
	NewImage   string    `json:"newImage,omitempty"`
	Packages   []string  `json:"packages,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Steps      []string  `json:"steps,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

type UpdateRunStore struct {
	db *bolt.DB
}

func NewUpdateRunStore(database *bolt.DB) *UpdateRunStore {
	return &UpdateRunStore{db: database}
}

// Append stores the run and assigns its ID.
func (s *UpdateRunStore) Append(run *UpdateRun) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketUpdates)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		run.ID = seq

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		return bucket.Put(itob(seq), data)
	})
	if err != nil {
		return fmt.Errorf("append update run: %w", err)
	}
	return nil
}

// List returns up to limit runs, newest first, optionally filtered by host.
// limit <= 0 means no limit.
func (s *UpdateRunStore) List(host string, limit int) ([]*UpdateRun, error) {
	var result []*UpdateRun
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(db.BucketUpdates).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}
			var run UpdateRun
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("unmarshal run: %w", err)
			}
			if host != "" && run.Host != host {
				continue
			}
			clone := run
			result = append(result, &clone)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list update runs: %w", err)
	}
	return result, nil
}
