// Package progress turns executor events into point-in-time snapshots,
// throughput and ETA estimates, and threshold-driven alerts. All state
// lives on one Tracker instance per run; there are no package globals.
package progress

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/shirou/gopsutil/v3/process"
)

// Alert types.
const (
	AlertLowThroughput   = "low_throughput"
	AlertHighMemory      = "high_memory"
	AlertStalledProgress = "stalled_progress"
)

// Snapshot is one entity's point-in-time progress.
type Snapshot struct {
	SessionID         string         `json:"session_id"`
	EntityType        string         `json:"entity_type"`
	TotalRecords      int            `json:"total_records"`
	RecordsProcessed  int            `json:"records_processed"`
	RecordsRemaining  int            `json:"records_remaining"`
	PercentComplete   float64        `json:"percent_complete"`
	CurrentThroughput float64        `json:"current_throughput"`
	AverageThroughput float64        `json:"average_throughput"`
	ETA               time.Duration  `json:"eta_ns"`
	Elapsed           time.Duration  `json:"elapsed_ns"`
	BatchInfo         map[string]any `json:"batch_info,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Alert is one threshold violation. Alerts accumulate on the active list
// until independently resolved; they never block progress updates.
type Alert struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	EntityType string     `json:"entity_type"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Report aggregates every tracked entity for external consumers.
type Report struct {
	SessionID        string     `json:"session_id"`
	Entities         []Snapshot `json:"entities"`
	TotalRecords     int        `json:"total_records"`
	RecordsProcessed int        `json:"records_processed"`
	ActiveAlerts     []Alert    `json:"active_alerts,omitempty"`
	GeneratedAt      time.Time  `json:"generated_at"`
}

type session struct {
	startedAt     time.Time
	total         int
	processed     int
	lastUpdate    time.Time
	lastProcessed int
	rates         []float64 // ring of instantaneous rates
	last          Snapshot
	bar           *progressbar.ProgressBar
}

// Tracker consumes progress events for one migration session.
type Tracker struct {
	mu        sync.Mutex
	sessionID string
	cfg       config.ProgressConfig
	sessions  map[string]*session
	alerts    []Alert
	display   bool

	now       func() time.Time
	memSample func() (uint64, error)
}

// New creates a tracker. display enables per-entity console bars.
func New(cfg config.ProgressConfig, display bool) *Tracker {
	return &Tracker{
		sessionID: uuid.New().String(),
		cfg:       cfg,
		sessions:  make(map[string]*session),
		display:   display,
		now:       time.Now,
		memSample: sampleRSS,
	}
}

// SessionID returns this tracker's session identifier.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// StartTracking opens a tracking session for an entity. Calling it again
// for the same entity restarts that entity's session.
func (t *Tracker) StartTracking(entityType string, totalRecords int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &session{
		startedAt:  t.now(),
		total:      totalRecords,
		lastUpdate: t.now(),
	}
	if t.display {
		s.bar = progressbar.NewOptions(totalRecords,
			progressbar.OptionSetDescription(entityType),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("rec"),
			progressbar.OptionClearOnFinish(),
		)
	}
	t.sessions[entityType] = s
}

// UpdateProgress records an entity's cumulative processed count and
// returns the recomputed snapshot. An entity with no prior StartTracking
// call is an error.
func (t *Tracker) UpdateProgress(entityType string, recordsProcessed int, batchInfo map[string]any) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[entityType]
	if !ok {
		return nil, fmt.Errorf("no tracking session found for %s", entityType)
	}

	now := t.now()
	elapsed := now.Sub(s.startedAt)
	sinceLast := now.Sub(s.lastUpdate)

	instant := 0.0
	if sinceLast > 0 && recordsProcessed > s.lastProcessed {
		instant = float64(recordsProcessed-s.lastProcessed) / sinceLast.Seconds()
	}
	s.rates = append(s.rates, instant)
	window := t.cfg.RollingWindow
	if window < 1 {
		window = 10
	}
	if len(s.rates) > window {
		s.rates = s.rates[len(s.rates)-window:]
	}
	avg := 0.0
	for _, r := range s.rates {
		avg += r
	}
	avg /= float64(len(s.rates))

	snap := Snapshot{
		SessionID:         t.sessionID,
		EntityType:        entityType,
		TotalRecords:      s.total,
		RecordsProcessed:  recordsProcessed,
		RecordsRemaining:  s.total - recordsProcessed,
		CurrentThroughput: instant,
		AverageThroughput: avg,
		Elapsed:           elapsed,
		BatchInfo:         batchInfo,
		Timestamp:         now,
	}
	if s.total > 0 {
		snap.PercentComplete = float64(recordsProcessed) / float64(s.total) * 100
	}
	// ETA follows the current rate; the rolling average is reported for
	// display smoothing only.
	if instant > 0 && snap.RecordsRemaining > 0 {
		snap.ETA = time.Duration(float64(snap.RecordsRemaining) / instant * float64(time.Second))
	}

	t.checkThresholds(entityType, s, recordsProcessed, sinceLast, instant)

	stalled := recordsProcessed == s.lastProcessed
	if !stalled {
		s.lastUpdate = now
	}
	s.lastProcessed = recordsProcessed
	s.processed = recordsProcessed
	s.last = snap

	if s.bar != nil {
		if err := s.bar.Set(recordsProcessed); err != nil {
			logging.Debug("Updating progress bar for %s: %v", entityType, err)
		}
	}
	return &snap, nil
}

// checkThresholds raises alerts for threshold violations. A violation type
// already active for the entity is not raised again.
func (t *Tracker) checkThresholds(entityType string, s *session, processed int, sinceLast time.Duration, instant float64) {
	if t.cfg.MinThroughput > 0 && instant > 0 && instant < t.cfg.MinThroughput {
		t.raise(AlertLowThroughput, entityType, fmt.Sprintf(
			"throughput %.1f records/sec is below the %.1f floor", instant, t.cfg.MinThroughput))
	}
	if t.cfg.StallMinutes > 0 && processed == s.lastProcessed &&
		sinceLast > time.Duration(t.cfg.StallMinutes)*time.Minute {
		t.raise(AlertStalledProgress, entityType, fmt.Sprintf(
			"no progress for %.0f minutes", sinceLast.Minutes()))
	}
	if t.cfg.MemoryCeilingMB > 0 {
		if rss, err := t.memSample(); err == nil {
			if mb := rss / (1 << 20); int(mb) > t.cfg.MemoryCeilingMB {
				t.raise(AlertHighMemory, entityType, fmt.Sprintf(
					"resident memory %d MB exceeds the %d MB ceiling", mb, t.cfg.MemoryCeilingMB))
			}
		}
	}
}

// raise appends an alert unless the same type is already active for the
// entity. Callers hold t.mu.
func (t *Tracker) raise(alertType, entityType, message string) {
	for _, a := range t.alerts {
		if !a.Resolved && a.Type == alertType && a.EntityType == entityType {
			return
		}
	}
	t.alerts = append(t.alerts, Alert{
		ID:         uuid.New().String(),
		Type:       alertType,
		EntityType: entityType,
		Message:    message,
		CreatedAt:  t.now(),
	})
	logging.Warn("Progress alert [%s] %s: %s", alertType, entityType, message)
}

// ActiveAlerts returns unresolved alerts.
func (t *Tracker) ActiveAlerts() []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Alert
	for _, a := range t.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out
}

// ResolveAlert marks one alert resolved by id.
func (t *Tracker) ResolveAlert(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.alerts {
		if t.alerts[i].ID == id {
			if t.alerts[i].Resolved {
				return nil
			}
			now := t.now()
			t.alerts[i].Resolved = true
			t.alerts[i].ResolvedAt = &now
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", id)
}

// Snapshot returns the most recent snapshot for an entity.
func (t *Tracker) Snapshot(entityType string) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[entityType]
	if !ok {
		return nil, fmt.Errorf("no tracking session found for %s", entityType)
	}
	snap := s.last
	return &snap, nil
}

// Report aggregates every tracked entity's latest snapshot.
func (t *Tracker) Report() *Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := &Report{SessionID: t.sessionID, GeneratedAt: t.now()}
	for _, s := range t.sessions {
		r.Entities = append(r.Entities, s.last)
		r.TotalRecords += s.total
		r.RecordsProcessed += s.processed
	}
	for _, a := range t.alerts {
		if !a.Resolved {
			r.ActiveAlerts = append(r.ActiveAlerts, a)
		}
	}
	return r
}

// sampleRSS reads this process's resident set size.
func sampleRSS() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
