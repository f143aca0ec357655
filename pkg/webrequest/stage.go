package webrequest

import (
	"fmt"

	"github.com/jingkaihe/reqgate/pkg/api"
)

// Stage is one fixed point in a transaction's lifecycle at which
// interception may occur.
type Stage string

// Decision stages: a handler's verdict can cancel, redirect, or rewrite the
// transaction before the network engine proceeds.
const (
	StageBeforeRequest     Stage = "before_request"
	StageBeforeSendHeaders Stage = "before_send_headers"
	StageHeadersReceived   Stage = "headers_received"
)

// Simple stages: fire-and-forget notifications that cannot alter the
// transaction.
const (
	StageSendHeaders     Stage = "send_headers"
	StageBeforeRedirect  Stage = "before_redirect"
	StageResponseStarted Stage = "response_started"
	StageCompleted       Stage = "completed"
	StageErrorOccurred   Stage = "error_occurred"
)

// Family splits stages into the two disjoint handler families.
type Family int

const (
	FamilySimple Family = iota
	FamilyDecision
)

type stageInfo struct {
	family  Family
	actions map[Action]bool // allowed verdict actions, decision stages only
}

// catalog is the single source of truth for stage behavior. No other
// component hardcodes a stage's family or verdict set.
var catalog = map[Stage]stageInfo{
	StageBeforeRequest: {
		family: FamilyDecision,
		actions: map[Action]bool{
			ActionProceed:  true,
			ActionCancel:   true,
			ActionRedirect: true,
		},
	},
	StageBeforeSendHeaders: {
		family: FamilyDecision,
		actions: map[Action]bool{
			ActionProceed:       true,
			ActionCancel:        true,
			ActionModifyHeaders: true,
		},
	},
	StageHeadersReceived: {
		family: FamilyDecision,
		actions: map[Action]bool{
			ActionProceed:          true,
			ActionCancel:           true,
			ActionOverrideResponse: true,
			ActionRedirectUnsafe:   true,
		},
	},
	StageSendHeaders:     {family: FamilySimple},
	StageBeforeRedirect:  {family: FamilySimple},
	StageResponseStarted: {family: FamilySimple},
	StageCompleted:       {family: FamilySimple},
	StageErrorOccurred:   {family: FamilySimple},
}

// stageOrder is the fixed intra-transaction ordering: stage N+1 may only be
// dispatched once stage N (and its decision, if any) has resolved. The
// before_redirect -> before_request edge is the redirect loop, where a
// redirected transaction re-enters at before_request.
var stageOrder = map[Stage]map[Stage]bool{
	StageBeforeRequest: {
		StageBeforeSendHeaders: true,
		StageErrorOccurred:     true,
	},
	StageBeforeSendHeaders: {
		StageSendHeaders:   true,
		StageErrorOccurred: true,
	},
	StageSendHeaders: {
		StageHeadersReceived: true,
		StageErrorOccurred:   true,
	},
	StageHeadersReceived: {
		StageBeforeRedirect:  true,
		StageResponseStarted: true,
		StageErrorOccurred:   true,
	},
	StageBeforeRedirect: {
		StageBeforeRequest: true,
		StageErrorOccurred: true,
	},
	StageResponseStarted: {
		StageCompleted:     true,
		StageErrorOccurred: true,
	},
	StageCompleted:     {},
	StageErrorOccurred: {},
}

// Stages returns every stage in the catalog in lifecycle order.
func Stages() []Stage {
	return []Stage{
		StageBeforeRequest,
		StageBeforeSendHeaders,
		StageSendHeaders,
		StageHeadersReceived,
		StageBeforeRedirect,
		StageResponseStarted,
		StageCompleted,
		StageErrorOccurred,
	}
}

// Known reports whether s is in the catalog.
func Known(s Stage) bool {
	_, ok := catalog[s]
	return ok
}

// FamilyOf returns the handler family of s.
func FamilyOf(s Stage) (Family, error) {
	info, ok := catalog[s]
	if !ok {
		return FamilySimple, fmt.Errorf("%w: %q", api.ErrStageUnknown, s)
	}
	return info.family, nil
}

// Allows reports whether a verdict action is in the allowed set for a
// decision stage.
func Allows(s Stage, a Action) bool {
	info, ok := catalog[s]
	if !ok || info.family != FamilyDecision {
		return false
	}
	return info.actions[a]
}

// CanFollow reports whether stage `to` may be dispatched immediately after
// stage `from` within one transaction.
func CanFollow(from, to Stage) bool {
	next, ok := stageOrder[from]
	if !ok {
		return false
	}
	return next[to]
}
