// Package router implements the Request Router: it classifies each
// incoming client request, translates public identifiers back to their
// owning backend and native identifier, and forwards the request with a
// deadline, synthesizing aggregated responses for discovery methods.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/billyjbryant/mcp-foxxy-bridge/internal/backend"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/bridgeerr"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/config"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/registry"
	"github.com/billyjbryant/mcp-foxxy-bridge/pkg/mcp"
)

// methodClass is how the Router classifies an incoming method, per
// spec.md §4.4.
type methodClass int

const (
	classUnknown methodClass = iota
	classInitialize
	classPing
	classDiscovery
	classInvocation
	classCancel
)

var discoveryMethods = map[string]bool{
	"tools/list":                true,
	"resources/list":            true,
	"resources/templates/list":  true,
	"prompts/list":              true,
}

var invocationMethods = map[string]string{
	"tools/call":     "name",
	"resources/read": "uri",
	"prompts/get":    "name",
}

func classify(method string) methodClass {
	switch {
	case method == "initialize":
		return classInitialize
	case method == "ping":
		return classPing
	case method == "notifications/cancelled":
		return classCancel
	case discoveryMethods[method]:
		return classDiscovery
	case invocationMethods[method] != "":
		return classInvocation
	default:
		return classUnknown
	}
}

// Sources gives the Router the running backend sessions it forwards to. The
// bridge-wide failover policy is passed to New separately.
type Sources interface {
	Get(name string) (registry.Source, bool)
	All() []registry.Source
}

// Router forwards classified requests to the backend that owns the
// requested identifier, per the Registry's current Catalog.
type Router struct {
	logger   *zap.Logger
	registry *registry.Registry
	sources  Sources
	failover config.FailoverConfig

	// pending tracks the backend currently handling each in-flight
	// invocation's request id, so notifications/cancelled can be forwarded
	// only to the owning backend per spec.md §4.4.
	pending sync.Map
}

// New creates a Router bound to reg for identifier lookups and sources for
// backend dispatch.
func New(reg *registry.Registry, sources Sources, failover config.FailoverConfig, logger *zap.Logger) *Router {
	return &Router{logger: logger, registry: reg, sources: sources, failover: failover}
}

// Handle routes one client request to completion, applying deadline and
// failover policy, and returns the JSON-RPC response to send back to the
// client. Handle never panics on a malformed request; it returns an Error
// response instead.
func (r *Router) Handle(ctx context.Context, req *mcp.Request) *mcp.Response {
	switch classify(req.Method) {
	case classInitialize:
		return r.handleInitialize(req)
	case classPing:
		return mcp.NewResponse(map[string]interface{}{}, req.ID)
	case classDiscovery:
		return r.handleDiscovery(req)
	case classInvocation:
		return r.handleInvocation(ctx, req)
	case classCancel:
		r.handleCancel(req)

		return nil // notification; no response is sent
	default:
		return bridgeerr.ToResponse(
			bridgeerr.New(bridgeerr.KindMethodNotFound, "", req.Method, nil), req.ID)
	}
}

// handleInitialize advertises the union of capability kinds at least one
// Ready backend currently offers, per spec.md §4.4, rather than
// unconditionally claiming all three.
func (r *Router) handleInitialize(req *mcp.Request) *mcp.Response {
	cat := r.registry.Current()

	caps := mcp.Capabilities{}
	if len(cat.Tools) > 0 {
		caps.Tools = &mcp.ToolsCapability{ListChanged: true}
	}

	if len(cat.Resources) > 0 {
		caps.Resources = &mcp.ResourcesCapability{ListChanged: true}
	}

	if len(cat.Prompts) > 0 {
		caps.Prompts = &mcp.PromptsCapability{ListChanged: true}
	}

	return mcp.NewResponse(mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		ServerInfo:      mcp.ServerInfo{Name: "mcp-foxxy-bridge", Version: "1.0.0"},
		Capabilities:    caps,
	}, req.ID)
}

// handleDiscovery synthesizes the aggregated response for a *List method
// directly from the Registry's current Catalog; it never forwards to a
// backend.
func (r *Router) handleDiscovery(req *mcp.Request) *mcp.Response {
	cat := r.registry.Current()

	switch req.Method {
	case "tools/list":
		return mcp.NewResponse(mcp.ListToolsResult{Tools: cat.Tools}, req.ID)
	case "resources/list":
		return mcp.NewResponse(mcp.ListResourcesResult{Resources: cat.Resources}, req.ID)
	case "resources/templates/list":
		return mcp.NewResponse(mcp.ListResourceTemplatesResult{}, req.ID)
	case "prompts/list":
		return mcp.NewResponse(mcp.ListPromptsResult{Prompts: cat.Prompts}, req.ID)
	default:
		return bridgeerr.ToResponse(bridgeerr.New(bridgeerr.KindMethodNotFound, "", req.Method, nil), req.ID)
	}
}

// handleInvocation translates the request's public identifier to its
// owning backend and native identifier, then forwards the call with a
// deadline. Failover only retries a dispatch-time failure (the target
// backend was not Ready, reported as KindBackendUnavailable by forward
// before it ever calls Session.Request): a failure that occurs after
// dispatch (Timeout, SessionClosed) may have already had a side effect on
// the backend, so per spec.md §4.4 it is returned to the client as-is,
// never retried.
func (r *Router) handleInvocation(ctx context.Context, req *mcp.Request) *mcp.Response {
	idField := invocationMethods[req.Method]

	publicID, ok := extractIdentifier(req.Params, idField)
	if !ok {
		return bridgeerr.ToResponse(
			bridgeerr.New(bridgeerr.KindInvalidParams, "", "missing "+idField, nil), req.ID)
	}

	entry, found := r.registry.Current().Lookup(publicID)
	if !found {
		return bridgeerr.ToResponse(
			bridgeerr.New(bridgeerr.KindInvalidParams, "", "unknown identifier "+publicID, nil), req.ID)
	}

	tried := map[string]bool{}

	key := pendingKey(req.ID)
	r.pending.Store(key, entry.Backend)
	defer r.pending.Delete(key)

	result, err := r.forward(ctx, entry.Backend, req.Method, rewriteIdentifier(req.Params, idField, entry.NativeID))
	tried[entry.Backend] = true

	if err != nil && r.failover.Enabled && bridgeerr.Is(err, bridgeerr.KindBackendUnavailable) {
		if alt, ok := r.findFailoverTarget(entry.NativeID, idField, tried); ok {
			r.pending.Store(key, alt.Backend)
			result, err = r.forward(ctx, alt.Backend, req.Method, rewriteIdentifier(req.Params, idField, alt.NativeID))
		}
	}

	if err != nil {
		return bridgeerr.ToResponse(err, req.ID)
	}

	return mcp.NewResponse(result, req.ID)
}

// findFailoverTarget looks for another Ready source that also exposes an
// entry with the same native identifier, skipping backends already tried.
func (r *Router) findFailoverTarget(nativeID, idField string, tried map[string]bool) (registry.Entry, bool) {
	for _, src := range r.sources.All() {
		if tried[src.Name()] || !src.Ready() {
			continue
		}

		sess := src.Session()
		if sess == nil {
			continue
		}

		snap := sess.Snapshot()
		if snap == nil {
			continue
		}

		if hasNativeID(snap, idField, nativeID) {
			return registry.Entry{Backend: src.Name(), NativeID: nativeID}, true
		}
	}

	return registry.Entry{}, false
}

func hasNativeID(snap *backend.Snapshot, idField, nativeID string) bool {
	switch idField {
	case "name":
		for _, t := range snap.Tools {
			if t.Name == nativeID {
				return true
			}
		}
	case "uri":
		for _, res := range snap.Resources {
			if res.URI == nativeID {
				return true
			}
		}
	}

	return false
}

func (r *Router) forward(ctx context.Context, backendName, method string, params interface{}) (interface{}, error) {
	src, ok := r.sources.Get(backendName)
	if !ok || !src.Ready() {
		return nil, bridgeerr.New(bridgeerr.KindBackendUnavailable, backendName, "backend not ready", nil)
	}

	sess := src.Session()
	if sess == nil {
		return nil, bridgeerr.New(bridgeerr.KindBackendUnavailable, backendName, "no active session", nil)
	}

	deadlineCtx, cancel := DeadlineFor(ctx, src.Timeout())
	defer cancel()

	return sess.Request(deadlineCtx, method, params)
}

// handleCancel forwards notifications/cancelled only to the backend
// currently handling requestId, tracked in r.pending since that request's
// dispatch, per spec.md §4.4. A requestId with no matching pending entry
// (already completed, or never dispatched through this Router) is a no-op.
func (r *Router) handleCancel(req *mcp.Request) {
	params, ok := req.Params.(map[string]interface{})
	if !ok {
		return
	}

	requestID, ok := params["requestId"]
	if !ok {
		return
	}

	backendName, ok := r.pending.Load(pendingKey(requestID))
	if !ok {
		return
	}

	name := backendName.(string)

	src, ok := r.sources.Get(name)
	if !ok {
		return
	}

	sess := src.Session()
	if sess == nil {
		return
	}

	if err := sess.NotifyCancelled(requestID); err != nil {
		r.logger.Warn("forwarding cancellation failed", zap.String("backend", name), zap.Error(err))
	}
}

// pendingKey normalizes a JSON-RPC request id (string or number, per the
// spec's untyped id field) into a map key.
func pendingKey(id interface{}) string {
	return fmt.Sprintf("%v", id)
}

// DeadlineFor derives a forwarding deadline from the backend's configured
// timeout, per spec.md §4.4.
func DeadlineFor(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}

func extractIdentifier(params interface{}, field string) (string, bool) {
	m, ok := params.(map[string]interface{})
	if !ok {
		return "", false
	}

	v, ok := m[field]
	if !ok {
		return "", false
	}

	s, ok := v.(string)

	return s, ok
}

// rewriteIdentifier returns a copy of params with field replaced by
// nativeID, leaving the client's original request untouched.
func rewriteIdentifier(params interface{}, field, nativeID string) interface{} {
	m, ok := params.(map[string]interface{})
	if !ok {
		return params
	}

	rewritten := make(map[string]interface{}, len(m))
	for k, v := range m {
		rewritten[k] = v
	}

	rewritten[field] = nativeID

	return rewritten
}
