package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		params interface{}
		id     interface{}
	}{
		{
			name:   "simple request with string id",
			method: "initialize",
			params: map[string]string{"version": "1.0"},
			id:     "test-123",
		},
		{
			name:   "request with numeric id",
			method: "tools/list",
			params: nil,
			id:     42,
		},
		{
			name:   "request with complex params",
			method: "tools/call",
			params: CallToolParams{Name: "fetch", Arguments: map[string]interface{}{"url": "x"}},
			id:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewRequest(tt.method, tt.params, tt.id)

			assert.Equal(t, "2.0", req.JSONRPC)
			assert.Equal(t, tt.method, req.Method)
			assert.Equal(t, tt.params, req.Params)
			assert.Equal(t, tt.id, req.ID)
			assert.False(t, req.IsNotification())
		})
	}
}

func TestNewNotification(t *testing.T) {
	n := NewNotification("notifications/initialized", nil)

	assert.True(t, n.IsNotification())
	assert.Nil(t, n.ID)

	data, err := json.Marshal(n)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	_, hasID := m["id"]
	assert.False(t, hasID, "notification must not carry an id field")
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse(map[string]string{"status": "ok"}, "test-123")

	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "test-123", resp.ID)
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(ErrorCodeMethodNotFound, "method not found: x", nil, "id-1")

	require.NotNil(t, resp.Error)
	assert.Nil(t, resp.Result)
	assert.Equal(t, ErrorCodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "method not found: x", resp.Error.Message)
	assert.Equal(t, "id-1", resp.ID)
	assert.Equal(t, "method not found: x", resp.Error.Error())
}

func TestRequestJSONRoundTrip(t *testing.T) {
	req := &Request{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  CallToolParams{Name: "fetch", Arguments: map[string]string{"k": "v"}},
		ID:      "test-123",
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req.Method, decoded.Method)
	assert.Equal(t, req.ID, decoded.ID)
}

func TestResponseMutuallyExclusiveFields(t *testing.T) {
	tests := []struct {
		name     string
		response *Response
	}{
		{
			name:     "success",
			response: NewResponse(map[string]string{"status": "ok"}, 1),
		},
		{
			name:     "error",
			response: NewErrorResponse(ErrorCodeInvalidParams, "bad params", nil, "e1"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.response)
			require.NoError(t, err)

			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(data, &m))

			_, hasResult := m["result"]
			_, hasError := m["error"]
			assert.False(t, hasResult && hasError, "result and error must be mutually exclusive")
		})
	}
}

func TestStandardErrorCodes(t *testing.T) {
	assert.Equal(t, -32700, ErrorCodeParseError)
	assert.Equal(t, -32600, ErrorCodeInvalidRequest)
	assert.Equal(t, -32601, ErrorCodeMethodNotFound)
	assert.Equal(t, -32602, ErrorCodeInvalidParams)
	assert.Equal(t, -32603, ErrorCodeInternalError)
	assert.Equal(t, -32000, ErrorCodeBackendUnavailable)
	assert.Equal(t, -32001, ErrorCodeTimeout)
	assert.Equal(t, -32002, ErrorCodeSessionClosed)
	assert.Equal(t, -32003, ErrorCodeCatalogConflict)
}

func TestToolMarshaling(t *testing.T) {
	tool := Tool{
		Name:        "fetch",
		Description: "fetches a URL",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}

	data, err := json.Marshal(tool)
	require.NoError(t, err)

	var decoded Tool
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, tool.Name, decoded.Name)
	assert.JSONEq(t, string(tool.InputSchema), string(decoded.InputSchema))
}

func TestResourceMarshaling(t *testing.T) {
	res := Resource{URI: "file:///a/b", Name: "b", MimeType: "text/plain"}

	data, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded Resource
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, res.URI, decoded.URI)
	assert.Equal(t, res.MimeType, decoded.MimeType)
}

func TestCapabilitiesOmitEmpty(t *testing.T) {
	caps := Capabilities{Resources: &ResourcesCapability{}}

	data, err := json.Marshal(caps)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))

	_, hasResources := m["resources"]
	_, hasTools := m["tools"]
	_, hasPrompts := m["prompts"]
	assert.True(t, hasResources)
	assert.False(t, hasTools)
	assert.False(t, hasPrompts)
}

func TestRequestNilParamsOmitted(t *testing.T) {
	req := NewRequest("ping", nil, 1)

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	_, hasParams := m["params"]
	assert.False(t, hasParams)
}
