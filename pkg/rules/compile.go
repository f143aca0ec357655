// Package rules compiles declarative interception rule config into handlers
// registered on a webrequest.Registry. Decision-stage rules produce fixed
// verdicts; simple-stage rules observe and emit events.
package rules

import (
	"fmt"
	"net/http"
	"time"

	"github.com/jingkaihe/reqgate/pkg/api"
	"github.com/jingkaihe/reqgate/pkg/webrequest"
)

// Rule actions
const (
	ActionAllow         = "allow"
	ActionCancel        = "cancel"
	ActionRedirect      = "redirect"
	ActionSetHeaders    = "set_headers"
	ActionDeleteHeaders = "delete_headers"
)

// Apply compiles every rule in cfg and registers the resulting handlers.
// Compilation is all-or-nothing in the sense that the first bad rule aborts
// with an error; rules before it stay registered, matching last-write-wins
// registry semantics. events may be nil.
func Apply(reg *webrequest.Registry, cfg *api.InterceptConfig, events chan<- api.Event) error {
	if cfg == nil {
		return nil
	}
	for i := range cfg.Rules {
		if err := applyRule(reg, cfg.Rules[i], events); err != nil {
			return err
		}
	}
	return nil
}

func applyRule(reg *webrequest.Registry, rule api.HookRule, events chan<- api.Event) error {
	stage := webrequest.Stage(rule.Stage)
	family, err := webrequest.FamilyOf(stage)
	if err != nil {
		return fmt.Errorf("%w: %q (rule %q)", api.ErrRuleStage, rule.Stage, rule.Name)
	}

	filter := api.FilterSpec{URLs: rule.URLs}

	if family == webrequest.FamilySimple {
		if rule.Action != "" && rule.Action != ActionAllow {
			return fmt.Errorf("%w: %q on simple stage %q (rule %q)", api.ErrRuleActionStage, rule.Action, stage, rule.Name)
		}
		return reg.SetSimple(stage, filter, observer(rule, stage, events))
	}

	handler, err := decisionHandler(rule, stage)
	if err != nil {
		return err
	}
	return reg.SetDecision(stage, filter, handler)
}

// observer emits an intercept event for every matching simple dispatch.
func observer(rule api.HookRule, stage webrequest.Stage, events chan<- api.Event) webrequest.SimpleHandler {
	return func(tx *webrequest.Transaction, detail webrequest.SimpleDetail) {
		if events == nil {
			return
		}
		ev := api.InterceptEvent{
			Stage:  string(stage),
			Rule:   rule.Name,
			Action: ActionAllow,
		}
		if tx != nil && tx.URL != nil {
			ev.URL = tx.URL.String()
		}
		if detail.Err != nil {
			ev.Reason = detail.Err.Error()
		}
		select {
		case events <- api.Event{
			Type:      api.EventTypeIntercept,
			Timestamp: time.Now().Unix(),
			Intercept: &ev,
		}:
		default:
		}
	}
}

func decisionHandler(rule api.HookRule, stage webrequest.Stage) (webrequest.DecisionHandler, error) {
	switch rule.Action {
	case "", ActionAllow:
		return func(tx *webrequest.Transaction, respond webrequest.Responder) {
			respond(webrequest.Proceed())
		}, nil

	case ActionCancel:
		return func(tx *webrequest.Transaction, respond webrequest.Responder) {
			respond(webrequest.Cancel())
		}, nil

	case ActionRedirect:
		if rule.RedirectTo == "" {
			return nil, fmt.Errorf("%w (rule %q)", api.ErrRuleRedirectTarget, rule.Name)
		}
		target := rule.RedirectTo
		switch stage {
		case webrequest.StageBeforeRequest:
			return func(tx *webrequest.Transaction, respond webrequest.Responder) {
				respond(webrequest.Redirect(target))
			}, nil
		case webrequest.StageHeadersReceived:
			return func(tx *webrequest.Transaction, respond webrequest.Responder) {
				respond(webrequest.RedirectUnsafe(target))
			}, nil
		default:
			return nil, fmt.Errorf("%w: redirect on %q (rule %q)", api.ErrRuleActionStage, stage, rule.Name)
		}

	case ActionSetHeaders, ActionDeleteHeaders:
		switch stage {
		case webrequest.StageBeforeSendHeaders:
			return headerRewriter(rule, requestHeaders), nil
		case webrequest.StageHeadersReceived:
			return headerRewriter(rule, responseHeaders), nil
		default:
			return nil, fmt.Errorf("%w: %q on %q (rule %q)", api.ErrRuleActionStage, rule.Action, stage, rule.Name)
		}

	default:
		return nil, fmt.Errorf("%w: %q (rule %q)", api.ErrRuleAction, rule.Action, rule.Name)
	}
}

type headerSource func(tx *webrequest.Transaction) (http.Header, func(http.Header) webrequest.Verdict)

func requestHeaders(tx *webrequest.Transaction) (http.Header, func(http.Header) webrequest.Verdict) {
	return tx.RequestHeaders, webrequest.ModifyHeaders
}

func responseHeaders(tx *webrequest.Transaction) (http.Header, func(http.Header) webrequest.Verdict) {
	return tx.ResponseHeaders, webrequest.OverrideResponseHeaders
}

// headerRewriter starts from the transaction's current header set and
// applies the rule's set/delete mutations. The verdict replaces the header
// set wholesale.
func headerRewriter(rule api.HookRule, source headerSource) webrequest.DecisionHandler {
	return func(tx *webrequest.Transaction, respond webrequest.Responder) {
		current, verdict := source(tx)
		h := make(http.Header, len(current))
		for k, vs := range current {
			h[k] = append([]string(nil), vs...)
		}
		for k, v := range rule.SetHeaders {
			h.Set(k, v)
		}
		for _, k := range rule.DeleteHeaders {
			h.Del(k)
		}
		respond(verdict(h))
	}
}
