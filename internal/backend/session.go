// Package backend owns the Backend Session: one long-lived conversation with
// a backend MCP server launched as a child subprocess over a line-delimited
// JSON-RPC transport on stdin/stdout.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/billyjbryant/mcp-foxxy-bridge/internal/bridgeerr"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/config"
	"github.com/billyjbryant/mcp-foxxy-bridge/pkg/mcp"
)

// bridgeClientName and bridgeVersion are sent as clientInfo during the
// handshake every Session performs with its backend.
const (
	bridgeClientName = "mcp-foxxy-bridge"
	bridgeVersion    = "1.0.0"

	maxLineSize = 16 * 1024 * 1024
)

// Snapshot is the catalog of one backend's capabilities at the moment its
// last successful fetch completed. Entries are opaque and forwarded
// verbatim by the Capability Registry except for the rewritten identifier.
type Snapshot struct {
	Tools             []mcp.Tool
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []mcp.Prompt
}

// pendingRequest is one entry of the per-session pending-request table,
// keyed by JSON-RPC id, holding a completion channel. The deadline lives in
// the caller's context, not in the entry.
type pendingRequest struct {
	resultCh chan *mcp.Response
}

// Session owns one subprocess and presents a request/response interface to
// the rest of the core. It is safe for concurrent use: writes are serialized
// by writeMu, the pending table by pendingMu, and the catalog snapshot is
// published with an atomic pointer swap so readers never observe a partial
// snapshot.
type Session struct {
	name   string
	cfg    config.BackendConfig
	logger *zap.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]*pendingRequest
	nextID    int64

	snapshot atomic.Pointer[Snapshot]

	// NotifyCh receives a value whenever the backend sends an unsolicited
	// notification that may change its catalog (a capability-changed
	// event, per spec.md §4.1 Framing). It is buffered to depth 1 so bursts
	// of notifications coalesce into a single pending rebuild signal.
	NotifyCh chan struct{}

	closeMu sync.Mutex
	closed  bool
	doneCh  chan struct{}
}

// New creates a Session for the given backend configuration. The session is
// not started until Start is called.
func New(cfg config.BackendConfig, logger *zap.Logger) *Session {
	return &Session{
		name:     cfg.Name,
		cfg:      cfg,
		logger:   logger.With(zap.String("backend", cfg.Name)),
		pending:  make(map[int64]*pendingRequest),
		NotifyCh: make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}
}

// Start spawns the configured command, performs the MCP initialize
// handshake, and populates the initial catalog snapshot. It resolves once
// the backend reports initialized and all catalog fetches complete, or
// fails with SpawnError, HandshakeError, or CatalogError.
func (s *Session) Start(ctx context.Context, agg config.AggregationConfig) error {
	env, args := config.ExpandBackendEnv(&s.cfg, func(v string) {
		s.logger.Warn("environment variable has no value and no default", zap.String("var", v))
	})

	cmd := exec.Command(s.cfg.Command, args...) //nolint:gosec // command is operator-configured
	cmd.Env = env
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return bridgeerr.New(bridgeerr.KindSpawn, s.name, "opening stdin pipe", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return bridgeerr.New(bridgeerr.KindSpawn, s.name, "opening stdout pipe", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return bridgeerr.New(bridgeerr.KindSpawn, s.name, "opening stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return bridgeerr.New(bridgeerr.KindSpawn, s.name, "starting process", err)
	}

	s.cmd = cmd
	s.stdin = stdin

	go s.readLoop(stdout)
	go s.monitorStderr(stderr)
	go s.waitForExit()

	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.handshake(handshakeCtx); err != nil {
		return err
	}

	if err := s.refreshCatalog(handshakeCtx, agg); err != nil {
		return err
	}

	s.logger.Info("backend session started", zap.Int("pid", cmd.Process.Pid))

	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.ClientInfo{Name: bridgeClientName, Version: bridgeVersion + "+" + uuid.NewString()[:8]},
	}

	result, err := s.Request(ctx, "initialize", params)
	if err != nil {
		return bridgeerr.New(bridgeerr.KindHandshake, s.name, "initialize", err)
	}

	_ = result

	if err := s.writeNotification(mcp.NewNotification("notifications/initialized", nil)); err != nil {
		return bridgeerr.New(bridgeerr.KindHandshake, s.name, "notifications/initialized", err)
	}

	return nil
}

// refreshCatalog fetches tools/resources/prompts (subject to aggregation
// toggles) and publishes a new Snapshot atomically.
func (s *Session) refreshCatalog(ctx context.Context, agg config.AggregationConfig) error {
	next := &Snapshot{}

	if agg.Tools {
		var result mcp.ListToolsResult
		if err := s.requestInto(ctx, "tools/list", nil, &result); err != nil {
			return bridgeerr.New(bridgeerr.KindCatalog, s.name, "tools/list", err)
		}

		next.Tools = result.Tools
	}

	if agg.Resources {
		var result mcp.ListResourcesResult
		if err := s.requestInto(ctx, "resources/list", nil, &result); err != nil {
			return bridgeerr.New(bridgeerr.KindCatalog, s.name, "resources/list", err)
		}

		next.Resources = result.Resources

		var templates mcp.ListResourceTemplatesResult
		if err := s.requestInto(ctx, "resources/templates/list", nil, &templates); err == nil {
			next.ResourceTemplates = templates.ResourceTemplates
		}
	}

	if agg.Prompts {
		var result mcp.ListPromptsResult
		if err := s.requestInto(ctx, "prompts/list", nil, &result); err != nil {
			return bridgeerr.New(bridgeerr.KindCatalog, s.name, "prompts/list", err)
		}

		next.Prompts = result.Prompts
	}

	s.snapshot.Store(next)

	return nil
}

// RefreshCatalog re-fetches the backend's catalog, used by the Health
// Supervisor after a capability-changed notification. A restart needs no
// call here: the new Session's Start fetches its own catalog.
func (s *Session) RefreshCatalog(ctx context.Context, agg config.AggregationConfig) error {
	return s.refreshCatalog(ctx, agg)
}

// Snapshot returns the backend's last-known catalog. Safe for concurrent use
// with RefreshCatalog and Start.
func (s *Session) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Name returns the backend's configured name.
func (s *Session) Name() string {
	return s.name
}

// requestInto performs a request and unmarshals its result into out via a
// JSON round-trip, since the wire result arrives as interface{}.
func (s *Session) requestInto(ctx context.Context, method string, params interface{}, out interface{}) error {
	result, err := s.Request(ctx, method, params)
	if err != nil {
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("re-marshaling result: %w", err)
	}

	return json.Unmarshal(data, out)
}

// Request allocates a monotonically increasing JSON-RPC id, registers it in
// the pending table, writes the framed request, and awaits the response or
// ctx's deadline. On deadline expiry the pending entry is removed and the
// call fails with Timeout; the session remains alive.
func (s *Session) Request(ctx context.Context, method string, params interface{}) (interface{}, error) {
	id := atomic.AddInt64(&s.nextID, 1)
	req := mcp.NewRequest(method, params, id)

	pending := &pendingRequest{resultCh: make(chan *mcp.Response, 1)}

	s.pendingMu.Lock()
	s.pending[id] = pending
	s.pendingMu.Unlock()

	if err := s.writeNotification(req); err != nil {
		s.removePending(id)

		if !s.IsAlive() {
			return nil, bridgeerr.New(bridgeerr.KindSessionClosed, s.name, "session closed before request was written", err)
		}

		return nil, bridgeerr.New(bridgeerr.KindSpawn, s.name, "writing request", err)
	}

	select {
	case resp := <-pending.resultCh:
		if resp.Error != nil {
			return nil, bridgeerr.New(mapMethodError(resp.Error.Code), s.name, resp.Error.Message, resp.Error)
		}

		return resp.Result, nil
	case <-ctx.Done():
		s.removePending(id)

		return nil, bridgeerr.New(bridgeerr.KindTimeout, s.name, fmt.Sprintf("%s timed out", method), ctx.Err())
	case <-s.doneCh:
		s.removePending(id)

		return nil, bridgeerr.New(bridgeerr.KindSessionClosed, s.name, "session closed while request was pending", nil)
	}
}

func mapMethodError(code int) bridgeerr.Kind {
	switch code {
	case mcp.ErrorCodeMethodNotFound:
		return bridgeerr.KindMethodNotFound
	case mcp.ErrorCodeInvalidParams:
		return bridgeerr.KindInvalidParams
	default:
		return bridgeerr.KindSpawn
	}
}

func (s *Session) removePending(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// writeNotification serializes req and writes one framed line to stdin.
// Writes are serialized by writeMu so concurrent Request calls never
// interleave partial lines on the wire.
func (s *Session) writeNotification(req *mcp.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to stdin: %w", err)
	}

	return nil
}

// NotifyCancelled forwards a notifications/cancelled message to the backend,
// used by the Router when a client cancels an in-flight invocation.
func (s *Session) NotifyCancelled(id interface{}) error {
	return s.writeNotification(mcp.NewNotification("notifications/cancelled", map[string]interface{}{"requestId": id}))
}

// readLoop is the session's single reader task: it consumes stdout, matches
// id to pending entry, and delivers the result. Lines that fail to parse are
// logged and discarded; framing is self-delimiting so the stream never needs
// re-synchronization. If the process exits while requests are pending, all
// are completed with SessionClosed when waitForExit closes doneCh.
func (s *Session) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, maxLineSize)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.handleLine(line)
		}

		if err != nil {
			if err != io.EOF {
				s.logger.Warn("stdout read error", zap.Error(err))
			}

			return
		}
	}
}

func (s *Session) handleLine(line []byte) {
	var generic struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}

	if err := json.Unmarshal(line, &generic); err != nil {
		s.logger.Warn("discarding unparseable line from backend", zap.Error(err))

		return
	}

	if generic.Method != "" && generic.ID == nil {
		// Unsolicited notification: a capability-changed event for the
		// Registry to pick up on its next rebuild.
		select {
		case s.NotifyCh <- struct{}{}:
		default:
		}

		return
	}

	id, ok := normalizeID(generic.ID)
	if !ok {
		return
	}

	s.pendingMu.Lock()
	pending, found := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()

	if !found {
		return
	}

	var resp mcp.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		s.logger.Warn("discarding unparseable response", zap.Error(err))

		return
	}

	pending.resultCh <- &resp
}

// normalizeID coerces a decoded JSON-RPC id (float64 or int64) to the int64
// form Request allocated it as. Any other type, including a string id, is
// reported as not ok.
func normalizeID(raw interface{}) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func (s *Session) monitorStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for scanner.Scan() {
		s.logger.Warn("backend stderr", zap.String("line", scanner.Text()))
	}
}

// waitForExit blocks on the child process and, once it exits, completes all
// pending requests with SessionClosed by closing doneCh.
func (s *Session) waitForExit() {
	_ = s.cmd.Wait()

	s.closeMu.Lock()
	if !s.closed {
		close(s.doneCh)
		s.closed = true
	}
	s.closeMu.Unlock()

	s.pendingMu.Lock()
	s.pending = make(map[int64]*pendingRequest)
	s.pendingMu.Unlock()
}

// Stop closes stdin, waits up to grace for the process to exit, then
// terminates the process group forcefully. All pending requests are
// completed with SessionClosed. File descriptors are closed in every exit
// path.
func (s *Session) Stop(grace time.Duration) error {
	_ = s.stdin.Close()

	select {
	case <-s.doneCh:
		return nil
	case <-time.After(grace):
	}

	killProcessGroup(s.cmd)

	select {
	case <-s.doneCh:
	case <-time.After(grace):
	}

	return nil
}

// IsAlive reports whether the child process is still running.
func (s *Session) IsAlive() bool {
	select {
	case <-s.doneCh:
		return false
	default:
		return true
	}
}
