package webrequest

import (
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Transaction is the per-request snapshot supplied by the network engine for
// the duration of one dispatch call. Handlers receive a private copy and must
// not retain references past the call.
type Transaction struct {
	ID     string
	Method string
	URL    *url.URL

	RequestHeaders  http.Header
	ResponseHeaders http.Header
	StatusCode      int
}

// NewTransaction builds a transaction snapshot for one request.
func NewTransaction(method string, u *url.URL, headers http.Header) *Transaction {
	return &Transaction{
		ID:             "tx-" + uuid.New().String()[:8],
		Method:         method,
		URL:            u,
		RequestHeaders: headers,
	}
}

// snapshot returns a deep-enough copy for handing to a handler goroutine:
// the URL and header maps are cloned so a handler can never mutate engine
// state through its read view.
func (t *Transaction) snapshot() *Transaction {
	if t == nil {
		return nil
	}
	c := &Transaction{
		ID:              t.ID,
		Method:          t.Method,
		StatusCode:      t.StatusCode,
		RequestHeaders:  cloneHeader(t.RequestHeaders),
		ResponseHeaders: cloneHeader(t.ResponseHeaders),
	}
	if t.URL != nil {
		u := *t.URL
		c.URL = &u
	}
	return c
}

// DecisionOut holds the out-parameters a decision verdict may fill. It is
// owned by the network engine; the dispatcher writes into it only on the
// engine's calling goroutine, after the decision resolves.
type DecisionOut struct {
	// NewURL is the replacement request target (before_request only).
	NewURL *url.URL
	// RequestHeaders is the wholesale replacement request header set
	// (before_send_headers only).
	RequestHeaders http.Header
	// ResponseHeaders is the wholesale response header override
	// (headers_received only).
	ResponseHeaders http.Header
	// UnsafeRedirectURL is the allowed unsafe redirect target
	// (headers_received only).
	UnsafeRedirectURL *url.URL
}

// SimpleDetail carries the stage-specific contextual arguments of a simple
// dispatch. Only the fields relevant to the stage are set.
type SimpleDetail struct {
	// RequestHeaders accompanies send_headers.
	RequestHeaders http.Header
	// NewLocation accompanies before_redirect.
	NewLocation *url.URL
	// Err accompanies error_occurred and completed (nil on clean completion).
	Err error
}
