// Package registry implements the Capability Registry: it merges every
// Ready backend's catalog snapshot into one unified, publicly addressable
// catalog, applying namespacing and conflict resolution, and publishes each
// rebuild atomically so readers never observe a torn snapshot.
package registry

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/billyjbryant/mcp-foxxy-bridge/internal/backend"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/bridgeerr"
	"github.com/billyjbryant/mcp-foxxy-bridge/internal/config"
	"github.com/billyjbryant/mcp-foxxy-bridge/pkg/mcp"
)

// Source is whatever the Registry needs from a supervised backend: its
// current session (nil if not running) and whether it is Ready. The Bridge
// Controller supplies the concrete implementation backed by
// internal/health.Supervisor so this package stays independent of it.
type Source interface {
	Name() string
	Ready() bool
	Session() *backend.Session
	Priority() int
	Namespaces() (tool, resource, prompt string)
	Timeout() time.Duration
}

// Entry is one publicly addressable item in the unified catalog: the
// backend it came from, its native identifier as that backend knows it, and
// the public identifier clients see.
type Entry struct {
	Backend    string
	NativeID   string
	PublicID   string
	Tool       *mcp.Tool
	Resource   *mcp.Resource
	Prompt     *mcp.Prompt
}

// Catalog is one immutable, fully-built snapshot of the unified capability
// set. It is replaced wholesale on each rebuild; callers never mutate it.
type Catalog struct {
	Tools     []mcp.Tool
	Resources []mcp.Resource
	Prompts   []mcp.Prompt

	// byPublicID supports the Router's identifier translation: given a
	// public tool/resource/prompt identifier, find the owning backend and
	// its native identifier.
	byPublicID map[string]Entry
}

// Lookup resolves a public identifier to the Entry that owns it.
func (c *Catalog) Lookup(publicID string) (Entry, bool) {
	e, ok := c.byPublicID[publicID]

	return e, ok
}

// Registry owns the unified Catalog and rebuilds it whenever a backend's
// readiness or capability set changes. Rebuilds are serialized by a single
// worker goroutine that coalesces bursts of trigger events, so concurrent
// notifications never cause redundant or interleaved rebuilds.
type Registry struct {
	logger  *zap.Logger
	bridge  config.BridgeConfig
	sources func() []Source

	catalog atomic.Pointer[Catalog]

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu          sync.Mutex
	lastErr     error
	lastGoodSet *Catalog
}

// New creates a Registry. sources is called on every rebuild to obtain the
// current set of backends to merge; it must be safe to call concurrently
// with everything else in the bridge.
func New(bridge config.BridgeConfig, logger *zap.Logger, sources func() []Source) *Registry {
	r := &Registry{
		logger:    logger,
		bridge:    bridge,
		sources:   sources,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	r.catalog.Store(&Catalog{byPublicID: map[string]Entry{}})

	return r
}

// Trigger requests a rebuild. Multiple triggers arriving before the worker
// picks one up coalesce into a single rebuild, matching the bursty nature
// of readiness-changed and capability-changed events.
func (r *Registry) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

// Run is the Registry's single rebuild worker. It blocks until Stop is
// called; callers run it in its own goroutine.
func (r *Registry) Run() {
	defer close(r.doneCh)

	r.rebuild()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.triggerCh:
			r.rebuild()
		}
	}
}

// Stop terminates the rebuild worker.
func (r *Registry) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Current returns the most recently published Catalog. Safe for concurrent
// use with Run.
func (r *Registry) Current() *Catalog {
	return r.catalog.Load()
}

// LastError returns the error from the most recent rebuild attempt that hit
// a CatalogConflict under the "error" policy, or nil if the last rebuild
// succeeded cleanly. The previously published Catalog remains current.
func (r *Registry) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastErr
}

func (r *Registry) rebuild() {
	next, err := r.merge(r.sources())

	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("catalog rebuild aborted, retaining previous snapshot", zap.Error(err))

		return
	}

	r.catalog.Store(next)
	r.logger.Info("catalog rebuilt",
		zap.Int("tools", len(next.Tools)),
		zap.Int("resources", len(next.Resources)),
		zap.Int("prompts", len(next.Prompts)))
}

// claim is one candidate entry competing for a public identifier, carried
// through conflict resolution before being committed to the catalog.
// capabilityKind distinguishes which namespacing function a claim's
// backend-forced re-namespace (under the "namespace" conflict policy) must
// use: tools and prompts namespace by name prefix, resources by URI
// scheme-segment.
type capabilityKind int

const (
	kindTool capabilityKind = iota
	kindResource
	kindPrompt
)

type claim struct {
	backend  string
	priority int
	kind     capabilityKind
	entry    Entry
}

func (r *Registry) merge(sources []Source) (*Catalog, error) {
	toolClaims := map[string][]claim{}
	resourceClaims := map[string][]claim{}
	promptClaims := map[string][]claim{}

	for _, src := range sources {
		if !src.Ready() {
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

		r.collectTools(src, snap.Tools, toolClaims)
		r.collectResources(src, snap.Resources, resourceClaims)
		r.collectPrompts(src, snap.Prompts, promptClaims)
	}

	cat := &Catalog{byPublicID: map[string]Entry{}}

	if err := resolveTools(cat, toolClaims, r.bridge.ConflictResolution); err != nil {
		return nil, err
	}

	if err := resolveResources(cat, resourceClaims, r.bridge.ConflictResolution); err != nil {
		return nil, err
	}

	if err := resolvePrompts(cat, promptClaims, r.bridge.ConflictResolution); err != nil {
		return nil, err
	}

	return cat, nil
}

func (r *Registry) collectTools(src Source, tools []mcp.Tool, claims map[string][]claim) {
	name := src.Name()
	tool, _, _ := src.Namespaces()
	ns, explicit := resolveNamespace(name, tool)

	for i := range tools {
		t := tools[i]
		publicID := publicIdentifier(t.Name, ns, explicit, r.bridge.DefaultNamespace)
		claims[publicID] = append(claims[publicID], claim{
			backend:  name,
			priority: src.Priority(),
			kind:     kindTool,
			entry:    Entry{Backend: name, NativeID: t.Name, PublicID: publicID, Tool: &t},
		})
	}
}

func (r *Registry) collectResources(src Source, resources []mcp.Resource, claims map[string][]claim) {
	name := src.Name()
	_, resourceNS, _ := src.Namespaces()
	ns, explicit := resolveNamespace(name, resourceNS)

	for i := range resources {
		res := resources[i]
		publicID := namespacedURI(res.URI, ns, explicit, r.bridge.DefaultNamespace)
		claims[publicID] = append(claims[publicID], claim{
			backend:  name,
			priority: src.Priority(),
			kind:     kindResource,
			entry:    Entry{Backend: name, NativeID: res.URI, PublicID: publicID, Resource: &res},
		})
	}
}

func (r *Registry) collectPrompts(src Source, prompts []mcp.Prompt, claims map[string][]claim) {
	name := src.Name()
	_, _, promptNS := src.Namespaces()
	ns, explicit := resolveNamespace(name, promptNS)

	for i := range prompts {
		p := prompts[i]
		publicID := publicIdentifier(p.Name, ns, explicit, r.bridge.DefaultNamespace)
		claims[publicID] = append(claims[publicID], claim{
			backend:  name,
			priority: src.Priority(),
			kind:     kindPrompt,
			entry:    Entry{Backend: name, NativeID: p.Name, PublicID: publicID, Prompt: &p},
		})
	}
}

// resolveNamespace applies the namespace rule for one capability kind: an
// explicitly configured namespace always applies; absent one, the backend
// name is the implicit namespace used only when default_namespace is set.
func resolveNamespace(backendName, configured string) (ns string, explicit bool) {
	if configured != "" {
		return configured, true
	}

	return backendName, false
}

// publicIdentifier applies the namespacing rule to a tool/prompt name: an
// explicit namespace always applies; absent one, defaultNamespace decides
// whether the backend name is prefixed at all. Per spec.md §4.3/§8, the
// separator is "." (e.g. "a.fetch"), not the original implementation's
// "__".
func publicIdentifier(native, ns string, explicit, defaultNamespace bool) string {
	if !explicit && !defaultNamespace {
		return native
	}

	return ns + "." + native
}

// namespacedURI applies the scheme-segment namespacing rule to a resource
// URI, per spec.md §4.3: "<ns>+file:///a/b" rather than a prefix on the
// whole URI, so the URI remains parseable by schema-aware clients.
func namespacedURI(uri, ns string, explicit, defaultNamespace bool) string {
	if !explicit && !defaultNamespace {
		return uri
	}

	scheme, rest, found := strings.Cut(uri, "://")
	if !found {
		return ns + "+" + uri
	}

	return fmt.Sprintf("%s+%s://%s", ns, scheme, rest)
}

func resolveTools(cat *Catalog, claims map[string][]claim, policy config.ConflictResolution) error {
	for publicID, cs := range claims {
		winners, err := resolveClaim(publicID, cs, policy)
		if err != nil {
			return err
		}

		for _, winner := range winners {
			cat.Tools = append(cat.Tools, withPublicName(*winner.Tool, winner.PublicID))
			cat.byPublicID[winner.PublicID] = winner
		}
	}

	return nil
}

func resolveResources(cat *Catalog, claims map[string][]claim, policy config.ConflictResolution) error {
	for publicID, cs := range claims {
		winners, err := resolveClaim(publicID, cs, policy)
		if err != nil {
			return err
		}

		for _, winner := range winners {
			res := *winner.Resource
			res.URI = winner.PublicID
			cat.Resources = append(cat.Resources, res)
			cat.byPublicID[winner.PublicID] = winner
		}
	}

	return nil
}

func resolvePrompts(cat *Catalog, claims map[string][]claim, policy config.ConflictResolution) error {
	for publicID, cs := range claims {
		winners, err := resolveClaim(publicID, cs, policy)
		if err != nil {
			return err
		}

		for _, winner := range winners {
			p := *winner.Prompt
			p.Name = winner.PublicID
			cat.Prompts = append(cat.Prompts, p)
			cat.byPublicID[winner.PublicID] = winner
		}
	}

	return nil
}

func withPublicName(t mcp.Tool, publicID string) mcp.Tool {
	t.Name = publicID

	return t
}

// resolveClaim resolves a contested public identifier to the entries that
// survive. With a single claimant there is nothing to resolve. With more
// than one, the configured policy decides: priority retains the claim with
// the lowest numeric Priority (ties broken lexicographically by backend
// name), namespace force-renamespaces every claimant under its own backend
// name so all of them survive under now-unique identifiers, first keeps the
// earliest claim, and error aborts the whole rebuild with CatalogConflict so
// the previous good catalog is retained.
func resolveClaim(publicID string, cs []claim, policy config.ConflictResolution) ([]Entry, error) {
	if len(cs) == 1 {
		return []Entry{cs[0].entry}, nil
	}

	switch policy {
	case config.ConflictFirst:
		return []Entry{cs[0].entry}, nil
	case config.ConflictNamespace:
		entries := make([]Entry, len(cs))
		for i, c := range cs {
			entries[i] = renamespace(c)
		}

		return entries, nil
	case config.ConflictPriority:
		best := cs[0]
		for _, c := range cs[1:] {
			if c.priority < best.priority || (c.priority == best.priority && c.backend < best.backend) {
				best = c
			}
		}

		return []Entry{best.entry}, nil
	case config.ConflictError:
		backends := make([]string, len(cs))
		for i, c := range cs {
			backends[i] = c.backend
		}

		return nil, bridgeerr.New(bridgeerr.KindCatalogConflict, "",
			fmt.Sprintf("%q claimed by multiple backends: %s", publicID, strings.Join(backends, ", ")), nil)
	default:
		return []Entry{cs[0].entry}, nil
	}
}

// renamespace forces a claim's entry onto the backend-name-prefixed
// identifier, regardless of default_namespace, so it keeps the claim
// distinct from the other contested claimants.
func renamespace(c claim) Entry {
	e := c.entry

	switch c.kind {
	case kindResource:
		e.PublicID = namespacedURI(e.NativeID, c.backend, true, true)
	default:
		e.PublicID = publicIdentifier(e.NativeID, c.backend, true, true)
	}

	return e
}
