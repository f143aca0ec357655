package api

import "errors"

// Registration errors
var (
	ErrInvalidPattern   = errors.New("invalid URL match pattern")
	ErrRegistryExists   = errors.New("registry already exists for owner")
	ErrRegistryNotFound = errors.New("no registry for owner")
	ErrStageUnknown     = errors.New("unknown lifecycle stage")
	ErrStageFamily      = errors.New("stage does not belong to handler family")
)

// Dispatch errors
var (
	ErrAlreadyResolved   = errors.New("decision already resolved")
	ErrVerdictNotAllowed = errors.New("verdict not allowed for stage")
	ErrDispatchAbandoned = errors.New("dispatch abandoned by network engine")
	ErrCancelled         = errors.New("transaction cancelled by interceptor")
)

// Rule errors
var (
	ErrRuleStage          = errors.New("rule references unknown stage")
	ErrRuleAction         = errors.New("unknown rule action")
	ErrRuleRedirectTarget = errors.New("redirect rule requires redirect_to")
	ErrRuleActionStage    = errors.New("rule action not applicable to stage")
)

// Proxy errors
var (
	ErrProxyClosed = errors.New("proxy is closed")
)

// Bridge errors
var (
	ErrTokenNotFound = errors.New("no pending decision for token")
)
