package webrequest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jingkaihe/reqgate/pkg/api"
)

// Dispatcher routes lifecycle events from the network engine to registered
// handlers. Dispatch errors are isolated per transaction and fail open: a
// misbehaving handler yields proceed, never a hung or broken engine.
type Dispatcher struct {
	store  *Store
	events chan<- api.Event
}

// NewDispatcher builds a dispatcher over a registry store. events may be nil;
// fault and violation reports are then dropped.
func NewDispatcher(store *Store, events chan<- api.Event) *Dispatcher {
	return &Dispatcher{store: store, events: events}
}

// DispatchSimple fires a simple-stage notification. It is a no-op when the
// owner has no registry, the stage has no handler, or the filter rejects the
// URL. Handler panics are reported and swallowed.
func (d *Dispatcher) DispatchSimple(owner any, stage Stage, tx *Transaction, detail SimpleDetail) {
	reg, err := d.store.Get(owner)
	if err != nil {
		return
	}
	entry, ok := reg.lookupSimple(stage)
	if !ok {
		return
	}
	if tx == nil || !entry.filter.Matches(tx.URL) {
		return
	}

	defer func() {
		if v := recover(); v != nil {
			d.reportFault(stage, tx, fmt.Sprintf("simple handler panicked: %v", v))
		}
	}()
	entry.handler(tx.snapshot(), detail)
}

// DispatchDecision fires a decision-stage event and suspends the calling
// goroutine until the handler resolves its verdict. The no-handler and
// filter-miss paths return proceed synchronously with untouched
// out-parameters. The verdict is validated against the stage's allowed set
// and applied to out on the calling goroutine before returning.
//
// Cancellation of ctx abandons the wait and returns cancel with
// api.ErrDispatchAbandoned; a verdict arriving afterwards is discarded by
// the first-resolution-wins contract. Registry teardown resolves the wait to
// proceed.
func (d *Dispatcher) DispatchDecision(ctx context.Context, owner any, stage Stage, tx *Transaction, out *DecisionOut) (Verdict, error) {
	family, err := FamilyOf(stage)
	if err != nil {
		return Proceed(), err
	}
	if family != FamilyDecision {
		return Proceed(), fmt.Errorf("%w: %q is not a decision stage", api.ErrStageFamily, stage)
	}

	reg, err := d.store.Get(owner)
	if err != nil {
		return Proceed(), nil
	}
	entry, ok := reg.lookupDecision(stage)
	if !ok {
		return Proceed(), nil
	}
	if tx == nil || !entry.filter.Matches(tx.URL) {
		return Proceed(), nil
	}

	token := newPendingDecision(stage)
	if !reg.track(token) {
		// Owner torn down between lookup and suspension.
		return Proceed(), nil
	}

	go d.invoke(entry.handler, stage, tx.snapshot(), token)

	var verdict Verdict
	select {
	case verdict = <-token.verdicts():
		reg.untrack(token)
	case <-ctx.Done():
		reg.untrack(token)
		return Cancel(), fmt.Errorf("%w: %v", api.ErrDispatchAbandoned, ctx.Err())
	}

	if err := verdict.validate(stage); err != nil {
		d.reportViolation(stage, tx, token.id, err.Error())
		verdict = Proceed()
	}
	verdict.apply(out)
	return verdict, nil
}

// invoke runs a decision handler on its own goroutine. A panicking handler
// is reported as a fault and resolved to proceed, so a broken observer
// cannot hang the transaction. Handlers that hand the responder to further
// asynchronous work resolve later through the token as usual.
func (d *Dispatcher) invoke(handler DecisionHandler, stage Stage, tx *Transaction, token *PendingDecision) {
	defer func() {
		if v := recover(); v != nil {
			d.reportFault(stage, tx, fmt.Sprintf("decision handler panicked: %v", v))
			_ = token.Resolve(Proceed())
		}
	}()

	respond := func(v Verdict) error {
		err := token.Resolve(v)
		if errors.Is(err, api.ErrAlreadyResolved) {
			d.reportViolation(stage, tx, token.id, "second resolution attempt")
		}
		return err
	}
	handler(tx, respond)
}

func (d *Dispatcher) reportFault(stage Stage, tx *Transaction, reason string) {
	d.emit(api.InterceptEvent{
		Stage:  string(stage),
		URL:    txURL(tx),
		Fault:  api.FaultHandler,
		Reason: reason,
	})
}

func (d *Dispatcher) reportViolation(stage Stage, tx *Transaction, token, reason string) {
	d.emit(api.InterceptEvent{
		Stage:  string(stage),
		URL:    txURL(tx),
		Token:  token,
		Fault:  api.FaultProtocolViolation,
		Reason: reason,
	})
}

func (d *Dispatcher) emit(ev api.InterceptEvent) {
	if d.events == nil {
		return
	}
	select {
	case d.events <- api.Event{
		Type:      api.EventTypeIntercept,
		Timestamp: time.Now().Unix(),
		Intercept: &ev,
	}:
	default:
	}
}

func txURL(tx *Transaction) string {
	if tx == nil || tx.URL == nil {
		return ""
	}
	return tx.URL.String()
}
