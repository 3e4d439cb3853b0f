package analysis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cochaviz/petri/internal/collector"
	"github.com/cochaviz/petri/internal/events"
	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/policy"
	"github.com/cochaviz/petri/internal/scoring"
	"github.com/cochaviz/petri/internal/storage"
)

// Result is the immutable outcome of a session. A TimedOut or Failed result
// still carries whatever was collected before the run ended.
type Result struct {
	SessionID  string                 `json:"session_id"`
	SampleID   string                 `json:"sample_id"`
	SampleName string                 `json:"sample_name,omitempty"`
	State      State                  `json:"state"`
	Reason     string                 `json:"reason,omitempty"`
	Config     models.ExecutionConfig `json:"config"`
	Policy     policy.SecurityPolicy  `json:"policy"`
	Runtime    string                 `json:"runtime,omitempty"`
	Platform   string                 `json:"platform,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	StartedAt  time.Time              `json:"started_at,omitzero"`
	FinishedAt time.Time              `json:"finished_at"`
	ExitCode   *int                   `json:"exit_code,omitempty"`

	Events             []events.Event             `json:"events"`
	EventsComplete     bool                       `json:"events_complete"`
	MonitoringDegraded bool                       `json:"monitoring_degraded"`
	DegradedSources    []collector.DegradedSource `json:"degraded_sources,omitempty"`

	EvasionAttempts []evasion.Attempt            `json:"evasion_attempts"`
	Processes       []scoring.ProcessInfo        `json:"processes"`
	ProcessTree     []*scoring.ProcessTreeNode   `json:"process_tree"`
	FileSummary     scoring.FileOperationSummary `json:"file_summary"`
	NetworkSummary  scoring.NetworkSummary       `json:"network_summary"`
	Techniques      []scoring.TechniqueMatch     `json:"mitre_techniques"`
	ThreatScore     scoring.ThreatScore          `json:"threat_score"`
	Artifacts       []storage.Artifact           `json:"artifacts,omitempty"`
}

// aggregate fills the derived views from the sealed event log.
func (r *Result) aggregate(engine *evasion.Engine) {
	r.EvasionAttempts = engine.Detect(r.Events, r.Config, r.runStart())
	r.Processes = scoring.ProcessesFromEvents(r.Events)
	r.ProcessTree = scoring.BuildProcessTree(r.Processes)
	r.FileSummary = scoring.SummarizeFiles(r.Events)
	r.NetworkSummary = scoring.SummarizeNetwork(r.Events)
	r.Techniques = scoring.MapTechniques(r.Events, r.EvasionAttempts)
	r.ThreatScore = scoring.Calculate(scoring.ScoreInput{
		Events:     r.Events,
		Attempts:   r.EvasionAttempts,
		Techniques: r.Techniques,
	})
}

// runStart anchors time-relative signatures. A run that failed before the
// sample launched falls back to the session creation time.
func (r *Result) runStart() time.Time {
	if r.StartedAt.IsZero() {
		return r.CreatedAt
	}
	return r.StartedAt
}

func (r *Result) record() (storage.ResultRecord, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return storage.ResultRecord{}, fmt.Errorf("encode result %s: %w", r.SessionID, err)
	}
	return storage.ResultRecord{
		SessionID:  r.SessionID,
		SampleID:   r.SampleID,
		State:      string(r.State),
		Score:      r.ThreatScore.Score,
		RiskLevel:  string(r.ThreatScore.RiskLevel),
		StartedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
		Payload:    payload,
	}, nil
}

func decodeResult(rec storage.ResultRecord) (*Result, error) {
	var r Result
	if err := json.Unmarshal(rec.Payload, &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", rec.SessionID, err)
	}
	return &r, nil
}
