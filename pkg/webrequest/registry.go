package webrequest

import (
	"fmt"
	"sync"

	"github.com/jingkaihe/reqgate/pkg/api"
	"github.com/jingkaihe/reqgate/pkg/urlmatch"
)

// SimpleHandler observes a simple stage. Its return is fire-and-forget; it
// must not block the network engine's goroutine for long.
type SimpleHandler func(tx *Transaction, detail SimpleDetail)

// Responder delivers a decision handler's verdict. The first call wins;
// later calls return api.ErrAlreadyResolved.
type Responder func(Verdict) error

// DecisionHandler computes the verdict for a decision stage. It runs on its
// own goroutine with a private transaction snapshot and must eventually call
// respond (directly or from further asynchronous work).
type DecisionHandler func(tx *Transaction, respond Responder)

type simpleEntry struct {
	filter  *urlmatch.Filter
	handler SimpleHandler
}

type decisionEntry struct {
	filter  *urlmatch.Filter
	handler DecisionHandler
}

// Registry is the per-owner table of stage -> handler bindings. At most one
// handler exists per stage; setting replaces, setting nil clears. Lookup
// happens at dispatch time, so a replacement is visible to the very next
// event for that stage.
type Registry struct {
	mu       sync.Mutex
	simple   map[Stage]simpleEntry
	decision map[Stage]decisionEntry

	pendingMu sync.Mutex
	pending   map[string]*PendingDecision
	destroyed bool
}

// NewRegistry constructs an unattached registry. Most callers obtain one
// through a Store instead.
func NewRegistry() *Registry {
	return &Registry{
		simple:   make(map[Stage]simpleEntry),
		decision: make(map[Stage]decisionEntry),
		pending:  make(map[string]*PendingDecision),
	}
}

// SetSimple binds handler to a simple stage, replacing any prior binding.
// A nil handler clears the stage.
func (r *Registry) SetSimple(stage Stage, filter api.FilterSpec, handler SimpleHandler) error {
	family, err := FamilyOf(stage)
	if err != nil {
		return err
	}
	if family != FamilySimple {
		return fmt.Errorf("%w: %q is not a simple stage", api.ErrStageFamily, stage)
	}
	if handler == nil {
		r.Clear(stage)
		return nil
	}
	f, err := urlmatch.Compile(filter.URLs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.simple[stage] = simpleEntry{filter: f, handler: handler}
	r.mu.Unlock()
	return nil
}

// SetDecision binds handler to a decision stage, replacing any prior
// binding. A nil handler clears the stage.
func (r *Registry) SetDecision(stage Stage, filter api.FilterSpec, handler DecisionHandler) error {
	family, err := FamilyOf(stage)
	if err != nil {
		return err
	}
	if family != FamilyDecision {
		return fmt.Errorf("%w: %q is not a decision stage", api.ErrStageFamily, stage)
	}
	if handler == nil {
		r.Clear(stage)
		return nil
	}
	f, err := urlmatch.Compile(filter.URLs)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.decision[stage] = decisionEntry{filter: f, handler: handler}
	r.mu.Unlock()
	return nil
}

// Clear removes the binding for a stage. Subsequent dispatches for that
// stage take the synchronous default path.
func (r *Registry) Clear(stage Stage) {
	r.mu.Lock()
	delete(r.simple, stage)
	delete(r.decision, stage)
	r.mu.Unlock()
}

func (r *Registry) lookupSimple(stage Stage) (simpleEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.simple[stage]
	return e, ok
}

func (r *Registry) lookupDecision(stage Stage) (decisionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.decision[stage]
	return e, ok
}

// track registers an in-flight decision token so teardown can resolve it.
// Returns false if the registry is already destroyed; the caller must then
// fall back to the default verdict instead of suspending.
func (r *Registry) track(p *PendingDecision) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.destroyed {
		return false
	}
	r.pending[p.id] = p
	return true
}

func (r *Registry) untrack(p *PendingDecision) {
	r.pendingMu.Lock()
	delete(r.pending, p.id)
	r.pendingMu.Unlock()
}

// destroy marks the registry dead and resolves every outstanding decision to
// proceed so no suspended transaction is left blocked. Late resolutions from
// handlers become first-wins no-ops.
func (r *Registry) destroy() {
	r.pendingMu.Lock()
	r.destroyed = true
	outstanding := make([]*PendingDecision, 0, len(r.pending))
	for _, p := range r.pending {
		outstanding = append(outstanding, p)
	}
	r.pending = make(map[string]*PendingDecision)
	r.pendingMu.Unlock()

	for _, p := range outstanding {
		_ = p.Resolve(Proceed())
	}
}
