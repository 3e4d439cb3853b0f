package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cochaviz/petri/internal/analysis"
	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/scoring"
)

type DaemonClient interface {
	StartAnalysis(req StartAnalysisRequest) (string, error)
	StopAnalysis(id string) error
	Inspect(id string) (analysis.SessionInfo, error)
	List() ([]analysis.SessionInfo, error)
	Result(ctx context.Context, id string, wait bool) (*analysis.Result, error)
	ProcessTree(id string) ([]*scoring.ProcessTreeNode, error)
	Evasion(id string) ([]evasion.Attempt, error)
	Score(id string) (scoring.ThreatScore, error)
	HiddenVMArtifacts() ([]evasion.Artifact, error)
}

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) DaemonClient {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) send(ctx context.Context, request IPCRequest, response any) error {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if response != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

// call is send bounded by the client timeout.
func (c *Client) call(request IPCRequest, response any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.send(ctx, request, response)
}

func (c *Client) StartAnalysis(req StartAnalysisRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := c.call(IPCRequest{Command: CommandStart, Payload: payload}, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (c *Client) StopAnalysis(id string) error {
	return c.call(IPCRequest{Command: CommandStop, ID: id}, nil)
}

func (c *Client) List() ([]analysis.SessionInfo, error) {
	var sessions []analysis.SessionInfo
	if err := c.call(IPCRequest{Command: CommandList}, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) Inspect(id string) (analysis.SessionInfo, error) {
	var info analysis.SessionInfo
	if err := c.call(IPCRequest{Command: CommandInspect, ID: id}, &info); err != nil {
		return analysis.SessionInfo{}, err
	}
	return info, nil
}

// Result fetches the result of a session. With wait set it blocks until the
// session finishes or ctx is done, ignoring the client timeout.
func (c *Client) Result(ctx context.Context, id string, wait bool) (*analysis.Result, error) {
	payload, err := json.Marshal(ResultRequest{Wait: wait})
	if err != nil {
		return nil, err
	}
	req := IPCRequest{Command: CommandResult, ID: id, Payload: payload}
	if !wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var result analysis.Result
	if err := c.send(ctx, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ProcessTree(id string) ([]*scoring.ProcessTreeNode, error) {
	var tree []*scoring.ProcessTreeNode
	if err := c.call(IPCRequest{Command: CommandTree, ID: id}, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func (c *Client) Evasion(id string) ([]evasion.Attempt, error) {
	var attempts []evasion.Attempt
	if err := c.call(IPCRequest{Command: CommandEvasion, ID: id}, &attempts); err != nil {
		return nil, err
	}
	return attempts, nil
}

func (c *Client) Score(id string) (scoring.ThreatScore, error) {
	var score scoring.ThreatScore
	if err := c.call(IPCRequest{Command: CommandScore, ID: id}, &score); err != nil {
		return scoring.ThreatScore{}, err
	}
	return score, nil
}

func (c *Client) HiddenVMArtifacts() ([]evasion.Artifact, error) {
	var artifacts []evasion.Artifact
	if err := c.call(IPCRequest{Command: CommandArtifacts}, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}
