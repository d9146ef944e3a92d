package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/updeck/updeck/internal/db"
)

// Severity levels, totally ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering weight of the severity (1–4, 0 for unknown).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Score returns the threat-score base weight of the severity.
func (s Severity) Score() float64 {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 30
	case SeverityHigh:
		return 60
	case SeverityCritical:
		return 100
	}
	return 10
}

// ParseSeverity normalizes a severity string, defaulting to medium for
// anything unrecognized (classifier output is untrusted).
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	}
	return SeverityMedium
}

// Incident categories.
const (
	CategoryBruteForce          = "brute_force"
	CategorySSHIntrusion        = "ssh_intrusion"
	CategoryPrivilegeEscalation = "privilege_escalation"
	CategoryUnauthorizedAccess  = "unauthorized_access"
	CategorySuspiciousCommand   = "suspicious_command"
	CategoryMalwareDetection    = "malware_detection"
	CategoryAnomaly             = "anomaly"
	CategoryOther               = "other"
)

// ParseCategory clamps a category string to the known set.
func ParseCategory(s string) string {
	c := strings.ToLower(strings.TrimSpace(s))
	switch c {
	case CategoryBruteForce, CategorySSHIntrusion, CategoryPrivilegeEscalation,
		CategoryUnauthorizedAccess, CategorySuspiciousCommand,
		CategoryMalwareDetection, CategoryAnomaly:
		return c
	}
	return CategoryOther
}

// Incident is one detected security event stream on a host. Incidents are
// never deleted, only resolved; dedup and correlation mutate them in place
// through the store's Mutate method.
type Incident struct {
	ID              uint64     `json:"id"`
	Host            string     `json:"host"`
	Severity        Severity   `json:"severity"`
	Category        string     `json:"category"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Recommendations string     `json:"recommendations,omitempty"`
	SourceIPs       []string   `json:"sourceIps,omitempty"`
	AffectedUsers   []string   `json:"affectedUsers,omitempty"`
	Techniques      []string   `json:"techniques,omitempty"`
	EventCount      int        `json:"eventCount"`
	Resolved        bool       `json:"resolved"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	CorrelationID   string     `json:"correlationId,omitempty"`
	ThreatScore     float64    `json:"threatScore"`
	DetectedAt      time.Time  `json:"detectedAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// SharesSourceIP reports whether the incident has at least one source IP in
// common with ips.
func (inc *Incident) SharesSourceIP(ips []string) bool {
	for _, a := range inc.SourceIPs {
		for _, b := range ips {
			if a == b {
				return true
			}
		}
	}
	return false
}

type IncidentStore struct {
	db *bolt.DB
}

func NewIncidentStore(database *bolt.DB) *IncidentStore {
	return &IncidentStore{db: database}
}

// Create inserts the incident and assigns its ID. DetectedAt/UpdatedAt are
// set to now when zero. Keys are big-endian sequence numbers, so key order
// matches detection order and recency scans can walk the cursor backward.
func (s *IncidentStore) Create(inc *Incident) error {
	now := time.Now().UTC()
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = now
	}
	if inc.UpdatedAt.IsZero() {
		inc.UpdatedAt = inc.DetectedAt
	}
	if inc.EventCount < 1 {
		inc.EventCount = 1
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketIncidents)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		inc.ID = seq

		data, err := json.Marshal(inc)
		if err != nil {
			return fmt.Errorf("marshal incident: %w", err)
		}
		return bucket.Put(itob(seq), data)
	})
	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// Get returns the incident or nil if not found.
func (s *IncidentStore) Get(id uint64) (*Incident, error) {
	var inc *Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketIncidents).Get(itob(id))
		if v == nil {
			return nil
		}
		inc = &Incident{}
		return json.Unmarshal(v, inc)
	})
	if err != nil {
		return nil, fmt.Errorf("get incident %d: %w", id, err)
	}
	return inc, nil
}

// Mutate applies fn to the stored incident inside one write transaction and
// returns the updated value. All incident mutations (dedup, correlation,
// resolution) go through here.
func (s *IncidentStore) Mutate(id uint64, fn func(*Incident) error) (*Incident, error) {
	var inc *Incident
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketIncidents)
		v := bucket.Get(itob(id))
		if v == nil {
			return fmt.Errorf("incident %d not found", id)
		}
		inc = &Incident{}
		if err := json.Unmarshal(v, inc); err != nil {
			return fmt.Errorf("unmarshal incident: %w", err)
		}
		if err := fn(inc); err != nil {
			return err
		}
		inc.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(inc)
		if err != nil {
			return fmt.Errorf("marshal incident: %w", err)
		}
		return bucket.Put(itob(id), data)
	})
	if err != nil {
		return nil, fmt.Errorf("mutate incident %d: %w", id, err)
	}
	return inc, nil
}

// Resolve marks the incident resolved with optional notes. Resolving an
// already-resolved incident is a no-op.
func (s *IncidentStore) Resolve(id uint64, notes string) (*Incident, error) {
	return s.Mutate(id, func(inc *Incident) error {
		if inc.Resolved {
			return nil
		}
		now := time.Now().UTC()
		inc.Resolved = true
		inc.ResolvedAt = &now
		inc.ResolutionNotes = notes
		return nil
	})
}

// RecentUnresolved returns unresolved incidents for host and category
// detected at or after since, newest first. Empty host or category matches
// all hosts/categories.
func (s *IncidentStore) RecentUnresolved(host, category string, since time.Time) ([]*Incident, error) {
	var result []*Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(db.BucketIncidents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var inc Incident
			if err := json.Unmarshal(v, &inc); err != nil {
				return fmt.Errorf("unmarshal incident: %w", err)
			}
			if inc.DetectedAt.Before(since) {
				break
			}
			if inc.Resolved {
				continue
			}
			if host != "" && inc.Host != host {
				continue
			}
			if category != "" && inc.Category != category {
				continue
			}
			clone := inc
			result = append(result, &clone)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent unresolved: %w", err)
	}
	return result, nil
}

// ByCorrelation returns all incidents carrying the given correlation id,
// oldest first.
func (s *IncidentStore) ByCorrelation(correlationID string) ([]*Incident, error) {
	if correlationID == "" {
		return nil, nil
	}
	var result []*Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketIncidents).ForEach(func(_, v []byte) error {
			var inc Incident
			if err := json.Unmarshal(v, &inc); err != nil {
				return fmt.Errorf("unmarshal incident: %w", err)
			}
			if inc.CorrelationID == correlationID {
				clone := inc
				result = append(result, &clone)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("incidents by correlation: %w", err)
	}
	return result, nil
}

// Correlated returns all unresolved incidents that belong to any correlation
// group, oldest first.
func (s *IncidentStore) Correlated() ([]*Incident, error) {
	var result []*Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketIncidents).ForEach(func(_, v []byte) error {
			var inc Incident
			if err := json.Unmarshal(v, &inc); err != nil {
				return fmt.Errorf("unmarshal incident: %w", err)
			}
			if inc.CorrelationID != "" && !inc.Resolved {
				clone := inc
				result = append(result, &clone)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("correlated incidents: %w", err)
	}
	return result, nil
}

// List returns up to limit incidents, newest first. Resolved incidents are
// included only when includeResolved is set. limit <= 0 means no limit.
func (s *IncidentStore) List(limit int, includeResolved bool) ([]*Incident, error) {
	var result []*Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(db.BucketIncidents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}
			var inc Incident
			if err := json.Unmarshal(v, &inc); err != nil {
				return fmt.Errorf("unmarshal incident: %w", err)
			}
			if inc.Resolved && !includeResolved {
				continue
			}
			clone := inc
			result = append(result, &clone)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return result, nil
}
