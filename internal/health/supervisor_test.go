package health

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

func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperProcess()
		os.Exit(0)
	}

	os.Exit(m.Run())
}

func helperBackendConfig(t *testing.T, mode string) config.BackendConfig {
	t.Helper()

	return config.BackendConfig{
		Name:    "helper",
		Command: os.Args[0],
		Args:    []string{"-test.run=TestMain"},
		Env:     map[string]string{"GO_WANT_HELPER_PROCESS": "1", "GO_HELPER_MODE": mode},
		Timeout: time.Second,
		HealthCheck: config.HealthCheckConfig{
			Enabled:                true,
			Interval:               30 * time.Millisecond,
			Timeout:                200 * time.Millisecond,
			Probe:                  config.ProbeListTools,
			AutoRestart:            true,
			RestartDelay:           20 * time.Millisecond,
			MaxRestartAttempts:     3,
			MaxConsecutiveFailures: 2,
		},
	}
}

func waitForStatus(t *testing.T, sup *Supervisor, want Status, within time.Duration) {
	t.Helper()

	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if sup.Status() == want {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("status did not reach %s within %s, last was %s", want, within, sup.Status())
}

func TestSupervisorReachesReadyAndStops(t *testing.T) {
	events := make(chan ReadinessEvent, 16)
	sup := New(helperBackendConfig(t, ""), config.AggregationConfig{}, zaptest.NewLogger(t), events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	waitForStatus(t, sup, StatusReady, time.Second)

	select {
	case ev := <-events:
		assert.Equal(t, "helper", ev.Backend)
		assert.True(t, ev.Ready)
	case <-time.After(time.Second):
		t.Fatal("expected a readiness event")
	}

	sup.Stop(500 * time.Millisecond)
	assert.Equal(t, StatusStopped, sup.Status())

	cancel()
	<-done
}

func TestSupervisorDegradesThenFailsOnRepeatedProbeFailure(t *testing.T) {
	events := make(chan ReadinessEvent, 16)
	sup := New(helperBackendConfig(t, "fail-tools"), config.AggregationConfig{}, zaptest.NewLogger(t), events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx)
	defer sup.Stop(500 * time.Millisecond)

	waitForStatus(t, sup, StatusReady, time.Second)
	waitForStatus(t, sup, StatusFailed, time.Second)
}

func TestSupervisorAutoRestartsAfterFailure(t *testing.T) {
	events := make(chan ReadinessEvent, 16)
	sup := New(helperBackendConfig(t, "fail-tools"), config.AggregationConfig{}, zaptest.NewLogger(t), events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.Run(ctx)
	defer sup.Stop(500 * time.Millisecond)

	waitForStatus(t, sup, StatusFailed, time.Second)
	// autoRestart is enabled, so the supervisor keeps cycling back through
	// Starting as restart attempts are exhausted eventually, but it should
	// re-attempt at least once rather than staying on the very first Failed.
	waitForStatus(t, sup, StatusStarting, time.Second)
}

func TestProbeRequestMapping(t *testing.T) {
	method, _ := probeRequest(config.ProbeListResources, nil)
	require.Equal(t, "resources/list", method)

	method, params := probeRequest(config.ProbeCallTool, map[string]interface{}{"name": "x"})
	require.Equal(t, "tools/call", method)
	require.Equal(t, "x", params.(map[string]interface{})["name"])
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
		return
	}

	if mode == "fail-tools" && req.Method == "tools/list" {
		writeHelperError(req.ID)

		return
	}

	writeHelperResult(req.Method, req.ID)
}

func writeHelperError(id interface{}) {
	resp := map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   map[string]interface{}{"code": -32000, "message": "backend unavailable"},
		"id":      id,
	}
	data, _ := json.Marshal(resp)
	fmt.Println(string(data))
}

func writeHelperResult(method string, id interface{}) {
	var result interface{}

	switch method {
	case "initialize":
		result = map[string]interface{}{"protocolVersion": "2024-11-05"}
	case "tools/list":
		result = map[string]interface{}{"tools": []map[string]interface{}{{"name": "fetch"}}}
	default:
		result = map[string]interface{}{}
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "result": result, "id": id}
	data, _ := json.Marshal(resp)
	fmt.Println(string(data))
}
