package daemon

import (
	"encoding/json"

	"github.com/cochaviz/petri/internal/models"
)

const DefaultSocketPath = "/var/run/petri/daemon.sock"

type Command string

const (
	CommandStart     Command = "start"
	CommandStop      Command = "stop"
	CommandList      Command = "list"
	CommandInspect   Command = "inspect"
	CommandResult    Command = "result"
	CommandTree      Command = "tree"
	CommandEvasion   Command = "evasion"
	CommandScore     Command = "score"
	CommandArtifacts Command = "artifacts"
)

// IPCRequest is one line of JSON sent by a client. Every connection carries
// exactly one request and one response.
type IPCRequest struct {
	Command Command         `json:"command"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type IPCResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StartAnalysisRequest is the payload of CommandStart.
type StartAnalysisRequest struct {
	SampleID           string `json:"sample_id"`
	TimeoutSecs        int    `json:"timeout_secs"`
	MemoryLimitMB      int    `json:"memory_limit_mb"`
	NetworkEnabled     bool   `json:"network_enabled"`
	AntiEvasionEnabled bool   `json:"anti_evasion_enabled"`
	EvasionTier        int    `json:"evasion_tier"`
}

// Config validates the request into an execution config.
func (r StartAnalysisRequest) Config() (models.ExecutionConfig, error) {
	return models.NewExecutionConfig(r.TimeoutSecs, r.MemoryLimitMB, r.NetworkEnabled, r.AntiEvasionEnabled, r.EvasionTier)
}

// ResultRequest is the optional payload of CommandResult. With Wait set the
// daemon holds the connection until the session finishes.
type ResultRequest struct {
	Wait bool `json:"wait"`
}
