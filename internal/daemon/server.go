package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cochaviz/petri/internal/analysis"
	"github.com/cochaviz/petri/internal/evasion"
	"github.com/cochaviz/petri/internal/logging"
	"github.com/cochaviz/petri/internal/models"
	"github.com/cochaviz/petri/internal/scoring"
)

// Analyzer is the part of the analysis service the daemon exposes.
type Analyzer interface {
	Submit(sampleID string, cfg models.ExecutionConfig) (string, error)
	Stop(sessionID string) error
	Sessions() []analysis.SessionInfo
	Inspect(sessionID string) (analysis.SessionInfo, error)
	Result(ctx context.Context, sessionID string) (*analysis.Result, error)
	Wait(ctx context.Context, sessionID string) (*analysis.Result, error)
	GetProcessTree(ctx context.Context, sessionID string) ([]*scoring.ProcessTreeNode, error)
	DetectSandboxEvasion(ctx context.Context, sessionID string) ([]evasion.Attempt, error)
	CalculateThreatScore(ctx context.Context, sessionID string) (scoring.ThreatScore, error)
	HiddenVMArtifacts() []evasion.Artifact
}

var _ Analyzer = (*analysis.Service)(nil)

type Server struct {
	socketPath string
	analyzer   Analyzer
	logger     *slog.Logger
	// readTimeout bounds how long a client may take to send its request.
	readTimeout time.Duration

	wg sync.WaitGroup
}

func New(socketPath string, analyzer Analyzer, logger *slog.Logger) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Server{
		socketPath:  socketPath,
		analyzer:    analyzer,
		logger:      logging.Ensure(logger).With(logging.KeyComponent, "daemon"),
		readTimeout: 10 * time.Second,
	}
}

// Start listens on the control socket and serves requests until ctx is done.
// In-flight requests are allowed to finish before Start returns.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := removeStaleSocket(s.socketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	defer os.Remove(s.socketPath)

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("daemon listening", "socket", s.socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
	s.wg.Wait()
	return nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("another daemon is listening on %s", path)
	}
	return os.Remove(path)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.respond(conn, nil, fmt.Errorf("decode request: %w", err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	// A client that hangs up cancels its request.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	logger := s.logger.With("command", req.Command)
	if req.ID != "" {
		logger = logger.With(logging.KeySession, req.ID)
	}
	logger.Debug("handling request")

	data, err := s.dispatch(ctx, req)
	if err != nil {
		logger.Warn("request failed", "error", err)
	}
	s.respond(conn, data, err)
}

func (s *Server) respond(conn net.Conn, data any, err error) {
	resp := IPCResponse{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	} else if data != nil {
		raw, mErr := json.Marshal(data)
		if mErr != nil {
			resp = IPCResponse{Error: fmt.Sprintf("encode response: %v", mErr)}
		} else {
			resp.Data = raw
		}
	}
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req IPCRequest) (any, error) {
	switch req.Command {
	case CommandStart:
		var start StartAnalysisRequest
		if err := decodePayload(req.Payload, &start); err != nil {
			return nil, err
		}
		cfg, err := start.Config()
		if err != nil {
			return nil, err
		}
		id, err := s.analyzer.Submit(start.SampleID, cfg)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	case CommandList:
		return s.analyzer.Sessions(), nil
	case CommandArtifacts:
		return s.analyzer.HiddenVMArtifacts(), nil
	}

	if req.ID == "" {
		return nil, fmt.Errorf("command %q requires a session id", req.Command)
	}
	switch req.Command {
	case CommandStop:
		return nil, s.analyzer.Stop(req.ID)
	case CommandInspect:
		return s.analyzer.Inspect(req.ID)
	case CommandResult:
		var opts ResultRequest
		if err := decodePayload(req.Payload, &opts); err != nil {
			return nil, err
		}
		if opts.Wait {
			return s.analyzer.Wait(ctx, req.ID)
		}
		return s.analyzer.Result(ctx, req.ID)
	case CommandTree:
		return s.analyzer.GetProcessTree(ctx, req.ID)
	case CommandEvasion:
		return s.analyzer.DetectSandboxEvasion(ctx, req.ID)
	case CommandScore:
		return s.analyzer.CalculateThreatScore(ctx, req.ID)
	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
