// Package bridgeerr defines the error taxonomy shared by every component of
// the multiplexing core: a fixed set of kinds, each carrying the stable
// JSON-RPC error code clients observe on the wire.
package bridgeerr

import (
	"errors"
	"fmt"

	"github.com/billyjbryant/mcp-foxxy-bridge/pkg/mcp"
)

// Kind identifies one of the error categories the core can produce.
type Kind string

const (
	// KindConfig means configuration validation failed; fatal before startup.
	KindConfig Kind = "ConfigError"
	// KindSpawn means a backend subprocess could not be started.
	KindSpawn Kind = "SpawnError"
	// KindHandshake means the MCP initialize handshake with a backend failed.
	KindHandshake Kind = "HandshakeError"
	// KindTimeout means an operation exceeded its deadline.
	KindTimeout Kind = "Timeout"
	// KindSessionClosed means the backend process exited with requests pending.
	KindSessionClosed Kind = "SessionClosed"
	// KindMethodNotFound means the method has no handler, local or backend.
	KindMethodNotFound Kind = "MethodNotFound"
	// KindInvalidParams means the request params failed backend validation.
	KindInvalidParams Kind = "InvalidParams"
	// KindBackendUnavailable means no ready backend could serve the request.
	KindBackendUnavailable Kind = "BackendUnavailable"
	// KindCatalogConflict means policy "error" rejected a catalog rebuild.
	KindCatalogConflict Kind = "CatalogConflict"
	// KindCatalog means fetching a backend's catalog failed.
	KindCatalog Kind = "CatalogError"
)

// jsonRPCCode maps each kind to the stable code spec.md §7 assigns it.
// Kinds with no entry here are reported with the generic internal error code.
var jsonRPCCode = map[Kind]int{
	KindMethodNotFound:     mcp.ErrorCodeMethodNotFound,
	KindInvalidParams:      mcp.ErrorCodeInvalidParams,
	KindBackendUnavailable: mcp.ErrorCodeBackendUnavailable,
	KindTimeout:            mcp.ErrorCodeTimeout,
	KindSessionClosed:      mcp.ErrorCodeSessionClosed,
	KindCatalogConflict:    mcp.ErrorCodeCatalogConflict,
}

// Error is a typed, wrapped error carrying a Kind and an optional backend
// name, so the Router and Bridge Controller can react to the category
// without parsing message text.
type Error struct {
	Kind    Kind
	Backend string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Backend, e.Msg)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// JSONRPCCode returns the stable JSON-RPC error code for this error's kind,
// falling back to the generic internal error code for kinds without one
// (Spawn, Handshake, Config, Catalog). A backend-supplied error code other
// than MethodNotFound or InvalidParams is not carried through.
func (e *Error) JSONRPCCode() int {
	if code, ok := jsonRPCCode[e.Kind]; ok {
		return code
	}

	return mcp.ErrorCodeInternalError
}

// New constructs a taxonomy error of the given kind.
func New(kind Kind, backend, msg string, cause error) *Error {
	return &Error{Kind: kind, Backend: backend, Msg: msg, Err: cause}
}

// Is reports whether err is a taxonomy error of kind k.
func Is(err error, k Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == k
	}

	return false
}

// ToResponse converts an error into a JSON-RPC error response for id. Plain
// errors (not *Error) are reported as internal errors.
func ToResponse(err error, id interface{}) *mcp.Response {
	var be *Error
	if errors.As(err, &be) {
		return mcp.NewErrorResponse(be.JSONRPCCode(), be.Error(), nil, id)
	}

	return mcp.NewErrorResponse(mcp.ErrorCodeInternalError, err.Error(), nil, id)
}
