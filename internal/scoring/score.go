package scoring

import (
	"math"
	"sort"

	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/events"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Weights and caps of the score components. Capped components saturate so
// that sheer volume cannot dominate the score.
const (
	weightDanger          = 8.0
	weightWarning         = 3.0
	weightTechnique       = 6.0
	weightFileOp          = 0.5
	capFileOps            = 15.0
	weightConnection      = 2.0
	capConnections        = 20.0
	weightProcess         = 1.5
	capProcesses          = 15.0
	weightEvasion         = 10.0
	evasionPenalty        = 15.0
	maxScore              = 100.0
	topContributorsLength = 3
)

const (
	FactorDangerEvents   = "danger_events"
	FactorWarningEvents  = "warning_events"
	FactorTechniques     = "mitre_techniques"
	FactorFileOperations = "file_operations"
	FactorNetwork        = "network_connections"
	FactorProcesses      = "process_creation"
	FactorEvasion        = "evasion_attempts"
	FactorEvasionPenalty = "evasion_penalty"
)

type Factor struct {
	Name   string  `json:"name"`
	Count  int     `json:"count"`
	Points float64 `json:"points"`
}

type ThreatScore struct {
	Score               float64   `json:"score"`
	RiskLevel           RiskLevel `json:"risk_level"`
	ContributingFactors []Factor  `json:"contributing_factors"`
	TopContributors     []string  `json:"top_contributors"`

	DangerEvents       int `json:"danger_events"`
	WarningEvents      int `json:"warning_events"`
	Techniques         int `json:"techniques"`
	FileOperations     int `json:"file_operations"`
	NetworkConnections int `json:"network_connections"`
	ProcessesCreated   int `json:"processes_created"`
	EvasionAttempts    int `json:"evasion_attempts"`
}

type ScoreInput struct {
	Events   []events.Event
	Attempts []evasion.Attempt
	// Techniques is computed from Events and Attempts when nil.
	Techniques []TechniqueMatch
}

// Calculate scores a finished run. Every component is non-decreasing in the
// number of events, so adding behavior never lowers the score.
func Calculate(in ScoreInput) ThreatScore {
	techniques := in.Techniques
	if techniques == nil {
		techniques = MapTechniques(in.Events, in.Attempts)
	}

	var ts ThreatScore
	for _, ev := range in.Events {
		switch ev.Severity {
		case events.SeverityDanger:
			ts.DangerEvents++
		case events.SeverityWarning:
			ts.WarningEvents++
		}
		switch {
		case ev.File != nil:
			ts.FileOperations++
		case ev.Network != nil && isConnection(ev.Network.Op):
			ts.NetworkConnections++
		case ev.Process != nil && ev.Process.Op == events.ProcessSpawn:
			ts.ProcessesCreated++
		}
	}
	ts.Techniques = len(techniques)
	ts.EvasionAttempts = len(in.Attempts)

	factors := []Factor{
		{Name: FactorDangerEvents, Count: ts.DangerEvents, Points: weightDanger * float64(ts.DangerEvents)},
		{Name: FactorWarningEvents, Count: ts.WarningEvents, Points: weightWarning * float64(ts.WarningEvents)},
		{Name: FactorTechniques, Count: ts.Techniques, Points: weightTechnique * float64(ts.Techniques)},
		{Name: FactorFileOperations, Count: ts.FileOperations, Points: math.Min(capFileOps, weightFileOp*float64(ts.FileOperations))},
		{Name: FactorNetwork, Count: ts.NetworkConnections, Points: math.Min(capConnections, weightConnection*float64(ts.NetworkConnections))},
		{Name: FactorProcesses, Count: ts.ProcessesCreated, Points: math.Min(capProcesses, weightProcess*float64(ts.ProcessesCreated))},
		{Name: FactorEvasion, Count: ts.EvasionAttempts, Points: weightEvasion * float64(ts.EvasionAttempts)},
		{Name: FactorEvasionPenalty, Count: ts.EvasionAttempts, Points: evasionPenalty * float64(ts.EvasionAttempts)},
	}

	total := 0.0
	for _, f := range factors {
		total += f.Points
	}
	ts.Score = math.Round(math.Max(0, math.Min(maxScore, total))*10) / 10
	ts.RiskLevel = RiskFor(ts.Score)

	sort.SliceStable(factors, func(i, j int) bool {
		if factors[i].Points != factors[j].Points {
			return factors[i].Points > factors[j].Points
		}
		return factors[i].Name < factors[j].Name
	})
	ts.ContributingFactors = factors
	ts.TopContributors = []string{}
	for _, f := range factors {
		if f.Points <= 0 || len(ts.TopContributors) == topContributorsLength {
			break
		}
		ts.TopContributors = append(ts.TopContributors, f.Name)
	}
	return ts
}

func RiskFor(score float64) RiskLevel {
	switch {
	case score >= 90:
		return RiskCritical
	case score >= 70:
		return RiskHigh
	case score >= 30:
		return RiskMedium
	default:
		return RiskLow
	}
}
