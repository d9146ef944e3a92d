package soc

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/updeck/updeck/internal/models"
)

// relatedTechniques is the MITRE ATT&CK adjacency used to relate incidents
// that do not share an exact technique id.
var relatedTechniques = map[string][]string{
	"T1078": {"T1110", "T1021"}, // Valid Accounts - Brute Force, Remote Services
	"T1110": {"T1078", "T1021"}, // Brute Force - Valid Accounts, Remote Services
	"T1548": {"T1068", "T1078"}, // Abuse Elevation - Exploitation, Valid Accounts
}

// Correlator groups incidents that stem from one underlying attack and
// maintains each group's threat score.
type Correlator struct {
	store  *models.IncidentStore
	window time.Duration
	now    func() time.Time
}

func NewCorrelator(store *models.IncidentStore, window time.Duration) *Correlator {
	if window <= 0 {
		window = time.Hour
	}
	return &Correlator{store: store, window: window, now: time.Now}
}

// Group is one correlation group, annotated for the API.
type Group struct {
	CorrelationID string             `json:"correlationId"`
	IncidentCount int                `json:"incidentCount"`
	AffectedHosts int                `json:"affectedHosts"`
	ThreatScore   float64            `json:"threatScore"`
	MaxSeverity   models.Severity    `json:"maxSeverity"`
	FirstDetected time.Time          `json:"firstDetected"`
	LastDetected  time.Time          `json:"lastDetected"`
	Incidents     []*models.Incident `json:"incidents"`
}

// Correlate relates a newly created incident to recent unresolved ones. When
// at least one relation is found, every member adopts one correlation id (an
// existing id from the related set if present, else fresh) and the group's
// threat score is recomputed. Returns the correlation id, or "" when the
// incident stands alone.
func (c *Correlator) Correlate(inc *models.Incident) (string, error) {
	since := c.now().UTC().Add(-c.window)
	recent, err := c.store.RecentUnresolved("", "", since)
	if err != nil {
		return "", fmt.Errorf("correlate: %w", err)
	}

	var related []*models.Incident
	for _, other := range recent {
		if other.ID == inc.ID {
			continue
		}
		if incidentsRelated(inc, other) {
			related = append(related, other)
		}
	}
	if len(related) == 0 {
		return "", nil
	}

	correlationID := ""
	for _, other := range related {
		if other.CorrelationID != "" {
			correlationID = other.CorrelationID
			break
		}
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	members := append(related, inc)
	score := threatScore(members)
	for _, member := range members {
		updated, err := c.store.Mutate(member.ID, func(stored *models.Incident) error {
			stored.CorrelationID = correlationID
			stored.ThreatScore = score
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("correlate incident %d: %w", member.ID, err)
		}
		*member = *updated
	}
	return correlationID, nil
}

// Groups returns all active correlation groups, highest threat score first.
func (c *Correlator) Groups() ([]*Group, error) {
	incidents, err := c.store.Correlated()
	if err != nil {
		return nil, fmt.Errorf("correlation groups: %w", err)
	}

	byID := make(map[string]*Group)
	var order []string
	for _, inc := range incidents {
		g, ok := byID[inc.CorrelationID]
		if !ok {
			g = &Group{
				CorrelationID: inc.CorrelationID,
				FirstDetected: inc.DetectedAt,
				LastDetected:  inc.DetectedAt,
			}
			byID[inc.CorrelationID] = g
			order = append(order, inc.CorrelationID)
		}
		g.Incidents = append(g.Incidents, inc)
		if inc.DetectedAt.Before(g.FirstDetected) {
			g.FirstDetected = inc.DetectedAt
		}
		if inc.DetectedAt.After(g.LastDetected) {
			g.LastDetected = inc.DetectedAt
		}
		if inc.Severity.Rank() > g.MaxSeverity.Rank() {
			g.MaxSeverity = inc.Severity
		}
	}

	groups := make([]*Group, 0, len(order))
	for _, id := range order {
		g := byID[id]
		g.IncidentCount = len(g.Incidents)
		g.AffectedHosts = distinctHosts(g.Incidents)
		g.ThreatScore = threatScore(g.Incidents)
		groups = append(groups, g)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].ThreatScore > groups[j].ThreatScore
	})
	return groups, nil
}

// ResolveGroup resolves every incident in the group and returns how many.
func (c *Correlator) ResolveGroup(correlationID, notes string) (int, error) {
	incidents, err := c.store.ByCorrelation(correlationID)
	if err != nil {
		return 0, fmt.Errorf("resolve group: %w", err)
	}
	for _, inc := range incidents {
		if _, err := c.store.Resolve(inc.ID, notes); err != nil {
			return 0, fmt.Errorf("resolve group member %d: %w", inc.ID, err)
		}
	}
	return len(incidents), nil
}

// incidentsRelated reports whether two incidents plausibly belong to one
// attack: shared source IP, same category, shared affected user, or matching
// or adjacent MITRE techniques.
func incidentsRelated(a, b *models.Incident) bool {
	if a.SharesSourceIP(b.SourceIPs) {
		return true
	}
	if a.Category == b.Category {
		return true
	}
	if sharesElement(a.AffectedUsers, b.AffectedUsers) {
		return true
	}
	return techniquesRelated(a.Techniques, b.Techniques)
}

func techniquesRelated(a, b []string) bool {
	if sharesElement(a, b) {
		return true
	}
	for _, t := range a {
		if sharesElement(relatedTechniques[t], b) {
			return true
		}
	}
	return false
}

func sharesElement(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// threatScore combines severity, incident count and host spread into a 0-100
// score: average severity weight, scaled up for many incidents (+20% each,
// capped at x2) and many hosts (+15% each, capped at x1.5).
func threatScore(incidents []*models.Incident) float64 {
	if len(incidents) == 0 {
		return 0
	}

	var sum float64
	for _, inc := range incidents {
		sum += inc.Severity.Score()
	}
	avg := sum / float64(len(incidents))

	countMult := min(1.0+float64(len(incidents)-1)*0.2, 2.0)
	hostMult := min(1.0+float64(distinctHosts(incidents)-1)*0.15, 1.5)

	return min(avg*countMult*hostMult, 100.0)
}

func distinctHosts(incidents []*models.Incident) int {
	hosts := make(map[string]bool, len(incidents))
	for _, inc := range incidents {
		hosts[inc.Host] = true
	}
	return len(hosts)
}
