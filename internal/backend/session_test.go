package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/billyjbryant/mcp-foxxy-bridge/internal/config"
)

// TestMain re-executes this test binary as a fake stdio MCP server when
// GO_WANT_HELPER_PROCESS is set, following the standard library's own
// os/exec test fixture pattern for driving a real child process without
// shipping a separate fixture binary.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperProcess()
		os.Exit(0)
	}

	os.Exit(m.Run())
}

func helperBackend(t *testing.T, extraEnv ...string) config.BackendConfig {
	t.Helper()

	env := map[string]string{"GO_WANT_HELPER_PROCESS": "1"}
	for _, kv := range extraEnv {
		env["GO_HELPER_MODE"] = kv
	}

	return config.BackendConfig{
		Name:    "helper",
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMain"},
		Env:     env,
		Timeout: 2 * time.Second,
	}
}

func newTestSession(t *testing.T, extraEnv ...string) *Session {
	t.Helper()

	sess := New(helperBackend(t, extraEnv...), zaptest.NewLogger(t))
	t.Cleanup(func() { _ = sess.Stop(500 * time.Millisecond) })

	return sess
}

func defaultAgg() config.AggregationConfig {
	return config.AggregationConfig{Tools: true, Resources: true, Prompts: true}
}

func TestSessionStartHandshakeAndCatalog(t *testing.T) {
	sess := newTestSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sess.Start(ctx, defaultAgg()))

	snap := sess.Snapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "fetch", snap.Tools[0].Name)
	require.Len(t, snap.Resources, 1)
	require.Len(t, snap.Prompts, 1)
}

func TestSessionRequestTimeout(t *testing.T) {
	sess := newTestSession(t, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Start(ctx, config.AggregationConfig{}))

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()

	_, err := sess.Request(shortCtx, "tools/call", map[string]interface{}{"name": "slow-tool"})
	require.Error(t, err)
	assert.True(t, sess.IsAlive(), "session must remain alive after a timeout")
}

func TestSessionStopCompletesPendingWithSessionClosed(t *testing.T) {
	sess := newTestSession(t, "hang")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.Start(ctx, config.AggregationConfig{}))

	errCh := make(chan error, 1)

	go func() {
		_, err := sess.Request(context.Background(), "tools/call", map[string]interface{}{"name": "hangs-forever"})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sess.Stop(200 * time.Millisecond))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("request did not complete after session stop")
	}

	assert.False(t, sess.IsAlive())
}

// --- helper process implementation ---

func runHelperProcess() {
	mode := os.Getenv("GO_HELPER_MODE")
	reader := bufio.NewReader(os.Stdin)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			handleHelperLine(line, mode)
		}

		if err != nil {
			return
		}
	}
}

func handleHelperLine(line []byte, mode string) {
	var req struct {
		Method string      `json:"method"`
		ID     interface{} `json:"id"`
	}

	if err := json.Unmarshal(line, &req); err != nil {
		return
	}

	if req.ID == nil {
		return // notification, no response expected
	}

	switch mode {
	case "slow":
		if req.Method == "tools/call" {
			time.Sleep(2 * time.Second)
		}
	case "hang":
		if req.Method == "tools/call" {
			select {} // never responds; Stop() must still unblock the caller
		}
	}

	writeHelperResult(req.Method, req.ID)
}

func writeHelperResult(method string, id interface{}) {
	var result interface{}

	switch method {
	case "initialize":
		result = map[string]interface{}{"protocolVersion": "2024-11-05"}
	case "tools/list":
		result = map[string]interface{}{"tools": []map[string]interface{}{{"name": "fetch"}}}
	case "resources/list":
		result = map[string]interface{}{"resources": []map[string]interface{}{{"uri": "file:///a"}}}
	case "resources/templates/list":
		result = map[string]interface{}{"resourceTemplates": []map[string]interface{}{}}
	case "prompts/list":
		result = map[string]interface{}{"prompts": []map[string]interface{}{{"name": "greet"}}}
	default:
		result = map[string]interface{}{}
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "result": result, "id": id}
	data, _ := json.Marshal(resp)
	fmt.Println(string(data))
}
