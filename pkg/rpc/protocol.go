package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/jingkaihe/reqgate/pkg/webrequest"
)

// JSON-RPC request/response types
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
}

type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      *uint64     `json:"id,omitempty"`
}

// Notification is a JSON-RPC notification (no ID) pushed to the peer.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeListenFailed   = -32000
	ErrCodeResolveFailed  = -32001
)

// Peer-facing method and notification names
const (
	MethodListen   = "listen"
	MethodUnlisten = "unlisten"
	MethodResolve  = "resolve"

	NotifyDecision = "decision"
	NotifyEvent    = "event"
)

type listenParams struct {
	Stage string   `json:"stage"`
	URLs  []string `json:"urls,omitempty"`
}

type unlistenParams struct {
	Stage string `json:"stage"`
}

type resolveParams struct {
	Token   string      `json:"token"`
	Verdict wireVerdict `json:"verdict"`
}

type wireVerdict struct {
	Action      string              `json:"action"`
	RedirectURL string              `json:"redirect_url,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
}

func (w wireVerdict) verdict() webrequest.Verdict {
	v := webrequest.Verdict{
		Action:      webrequest.Action(w.Action),
		RedirectURL: w.RedirectURL,
	}
	if w.Headers != nil {
		v.Headers = http.Header(w.Headers)
	}
	return v
}

type wireTransaction struct {
	ID              string              `json:"id"`
	Method          string              `json:"method"`
	URL             string              `json:"url"`
	RequestHeaders  map[string][]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	StatusCode      int                 `json:"status_code,omitempty"`
}

func transactionWire(tx *webrequest.Transaction) wireTransaction {
	w := wireTransaction{
		ID:         tx.ID,
		Method:     tx.Method,
		StatusCode: tx.StatusCode,
	}
	if tx.URL != nil {
		w.URL = tx.URL.String()
	}
	if tx.RequestHeaders != nil {
		w.RequestHeaders = map[string][]string(tx.RequestHeaders)
	}
	if tx.ResponseHeaders != nil {
		w.ResponseHeaders = map[string][]string(tx.ResponseHeaders)
	}
	return w
}

type decisionNotice struct {
	Token       string          `json:"token"`
	Stage       string          `json:"stage"`
	Transaction wireTransaction `json:"transaction"`
}

type eventNotice struct {
	Stage       string          `json:"stage"`
	Transaction wireTransaction `json:"transaction"`
	NewLocation string          `json:"new_location,omitempty"`
	Error       string          `json:"error,omitempty"`
}
