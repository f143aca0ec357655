package webrequest

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/jingkaihe/reqgate/pkg/api"
)

// Action is the kind of outcome a decision-stage handler produces.
type Action string

const (
	ActionProceed          Action = "proceed"
	ActionCancel           Action = "cancel"
	ActionRedirect         Action = "redirect"
	ActionModifyHeaders    Action = "modify_headers"
	ActionOverrideResponse Action = "override_response_headers"
	ActionRedirectUnsafe   Action = "redirect_unsafe"
)

// Verdict is the resolved outcome of one decision dispatch. Only the fields
// relevant to the action are consulted.
type Verdict struct {
	Action Action

	// RedirectURL carries the target for ActionRedirect and
	// ActionRedirectUnsafe.
	RedirectURL string

	// Headers carries the full replacement header set for
	// ActionModifyHeaders (request headers) and ActionOverrideResponse
	// (response headers). Replacement is wholesale, not a merge.
	Headers http.Header
}

func Proceed() Verdict { return Verdict{Action: ActionProceed} }
func Cancel() Verdict  { return Verdict{Action: ActionCancel} }

func Redirect(target string) Verdict {
	return Verdict{Action: ActionRedirect, RedirectURL: target}
}

func RedirectUnsafe(target string) Verdict {
	return Verdict{Action: ActionRedirectUnsafe, RedirectURL: target}
}

func ModifyHeaders(h http.Header) Verdict {
	return Verdict{Action: ActionModifyHeaders, Headers: h}
}

func OverrideResponseHeaders(h http.Header) Verdict {
	return Verdict{Action: ActionOverrideResponse, Headers: h}
}

// validate checks v against the stage's allowed verdict set and the action's
// required fields. Errors wrap api.ErrVerdictNotAllowed.
func (v Verdict) validate(stage Stage) error {
	if !Allows(stage, v.Action) {
		return fmt.Errorf("%w: %q at %q", api.ErrVerdictNotAllowed, v.Action, stage)
	}
	switch v.Action {
	case ActionRedirect, ActionRedirectUnsafe:
		u, err := url.Parse(v.RedirectURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %q carries unusable redirect target %q", api.ErrVerdictNotAllowed, v.Action, v.RedirectURL)
		}
	case ActionModifyHeaders, ActionOverrideResponse:
		if v.Headers == nil {
			return fmt.Errorf("%w: %q carries no headers", api.ErrVerdictNotAllowed, v.Action)
		}
	}
	return nil
}

// apply writes the verdict into the stage's out-parameters. Runs on the
// dispatching goroutine only; out is owned by the network engine.
func (v Verdict) apply(out *DecisionOut) {
	if out == nil {
		return
	}
	switch v.Action {
	case ActionRedirect:
		u, _ := url.Parse(v.RedirectURL)
		out.NewURL = u
	case ActionRedirectUnsafe:
		u, _ := url.Parse(v.RedirectURL)
		out.UnsafeRedirectURL = u
	case ActionModifyHeaders:
		out.RequestHeaders = cloneHeader(v.Headers)
	case ActionOverrideResponse:
		out.ResponseHeaders = cloneHeader(v.Headers)
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
