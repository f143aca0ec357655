package webrequest

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jingkaihe/reqgate/pkg/api"
)

// PendingDecision is the one-shot continuation token for a suspended
// decision dispatch. Exactly one resolution is ever applied; later attempts
// return api.ErrAlreadyResolved. Resolve is safe from any goroutine.
type PendingDecision struct {
	id    string
	stage Stage

	resolved atomic.Bool
	ch       chan Verdict
}

func newPendingDecision(stage Stage) *PendingDecision {
	return &PendingDecision{
		id:    "dec-" + uuid.New().String()[:8],
		stage: stage,
		ch:    make(chan Verdict, 1),
	}
}

func (p *PendingDecision) ID() string   { return p.id }
func (p *PendingDecision) Stage() Stage { return p.stage }

// Resolve delivers the verdict. The first resolution wins; subsequent calls
// are rejected without touching the delivered verdict.
func (p *PendingDecision) Resolve(v Verdict) error {
	if !p.resolved.CompareAndSwap(false, true) {
		return api.ErrAlreadyResolved
	}
	p.ch <- v
	return nil
}

// Resolved reports whether a verdict has already been delivered.
func (p *PendingDecision) Resolved() bool {
	return p.resolved.Load()
}

func (p *PendingDecision) verdicts() <-chan Verdict {
	return p.ch
}
