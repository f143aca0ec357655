// Package rpc bridges the interception registry to an out-of-process
// decision-maker over line-delimited JSON-RPC, typically stdio. The peer
// registers listeners with "listen", receives "decision" notifications
// carrying a continuation token, and answers with "resolve". A vanished peer
// fails open: its outstanding decisions resolve to proceed.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jingkaihe/reqgate/pkg/api"
	"github.com/jingkaihe/reqgate/pkg/webrequest"
)

type Bridge struct {
	registry *webrequest.Registry
	stdin    io.Reader
	stdout   io.Writer

	mu     sync.Mutex // protects stdout writes
	closed atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]webrequest.Responder
}

func NewBridge(registry *webrequest.Registry, stdin io.Reader, stdout io.Writer) *Bridge {
	return &Bridge{
		registry: registry,
		stdin:    stdin,
		stdout:   stdout,
		pending:  make(map[string]webrequest.Responder),
	}
}

// Run reads requests until EOF or ctx cancellation, then fails open.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.failOpen()

	scanner := bufio.NewScanner(b.stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if b.closed.Load() || ctx.Err() != nil {
			break
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			b.sendError(nil, ErrCodeParse, "Parse error")
			continue
		}
		b.handle(&req)
	}
	return scanner.Err()
}

// Close stops the bridge and resolves outstanding decisions to proceed.
func (b *Bridge) Close() {
	if b.closed.CompareAndSwap(false, true) {
		b.failOpen()
	}
}

func (b *Bridge) handle(req *Request) {
	switch req.Method {
	case MethodListen:
		b.handleListen(req)
	case MethodUnlisten:
		b.handleUnlisten(req)
	case MethodResolve:
		b.handleResolve(req)
	default:
		b.sendError(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}
}

func (b *Bridge) handleListen(req *Request) {
	var params listenParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		b.sendError(req.ID, ErrCodeInvalidParams, "Invalid listen params")
		return
	}

	stage := webrequest.Stage(params.Stage)
	family, err := webrequest.FamilyOf(stage)
	if err != nil {
		b.sendError(req.ID, ErrCodeListenFailed, err.Error())
		return
	}

	filter := api.FilterSpec{URLs: params.URLs}
	if family == webrequest.FamilyDecision {
		err = b.registry.SetDecision(stage, filter, b.decisionHandler(stage))
	} else {
		err = b.registry.SetSimple(stage, filter, b.simpleHandler(stage))
	}
	if err != nil {
		b.sendError(req.ID, ErrCodeListenFailed, err.Error())
		return
	}
	b.sendResult(req.ID, map[string]string{"stage": params.Stage})
}

func (b *Bridge) handleUnlisten(req *Request) {
	var params unlistenParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		b.sendError(req.ID, ErrCodeInvalidParams, "Invalid unlisten params")
		return
	}
	stage := webrequest.Stage(params.Stage)
	if !webrequest.Known(stage) {
		b.sendError(req.ID, ErrCodeListenFailed, api.ErrStageUnknown.Error())
		return
	}
	b.registry.Clear(stage)
	b.sendResult(req.ID, map[string]string{"stage": params.Stage})
}

func (b *Bridge) handleResolve(req *Request) {
	var params resolveParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		b.sendError(req.ID, ErrCodeInvalidParams, "Invalid resolve params")
		return
	}

	b.pendingMu.Lock()
	respond, ok := b.pending[params.Token]
	delete(b.pending, params.Token)
	b.pendingMu.Unlock()

	if !ok {
		b.sendError(req.ID, ErrCodeResolveFailed, api.ErrTokenNotFound.Error())
		return
	}
	if err := respond(params.Verdict.verdict()); err != nil {
		b.sendError(req.ID, ErrCodeResolveFailed, err.Error())
		return
	}
	b.sendResult(req.ID, map[string]string{"token": params.Token})
}

// decisionHandler forwards decision dispatches to the peer and parks the
// responder under a bridge-scoped token until the peer resolves it.
func (b *Bridge) decisionHandler(stage webrequest.Stage) webrequest.DecisionHandler {
	return func(tx *webrequest.Transaction, respond webrequest.Responder) {
		if b.closed.Load() {
			respond(webrequest.Proceed())
			return
		}

		token := "brg-" + uuid.New().String()[:8]
		b.pendingMu.Lock()
		b.pending[token] = respond
		b.pendingMu.Unlock()

		err := b.sendNotification(NotifyDecision, decisionNotice{
			Token:       token,
			Stage:       string(stage),
			Transaction: transactionWire(tx),
		})
		if err != nil {
			b.pendingMu.Lock()
			delete(b.pending, token)
			b.pendingMu.Unlock()
			respond(webrequest.Proceed())
		}
	}
}

func (b *Bridge) simpleHandler(stage webrequest.Stage) webrequest.SimpleHandler {
	return func(tx *webrequest.Transaction, detail webrequest.SimpleDetail) {
		notice := eventNotice{
			Stage:       string(stage),
			Transaction: transactionWire(tx),
		}
		if detail.NewLocation != nil {
			notice.NewLocation = detail.NewLocation.String()
		}
		if detail.Err != nil {
			notice.Error = detail.Err.Error()
		}
		b.sendNotification(NotifyEvent, notice)
	}
}

// failOpen resolves every outstanding decision to proceed so a vanished peer
// cannot leave transactions suspended.
func (b *Bridge) failOpen() {
	b.pendingMu.Lock()
	outstanding := b.pending
	b.pending = make(map[string]webrequest.Responder)
	b.pendingMu.Unlock()

	for _, respond := range outstanding {
		respond(webrequest.Proceed())
	}
}

func (b *Bridge) sendResult(id *uint64, result interface{}) {
	b.send(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (b *Bridge) sendError(id *uint64, code int, message string) {
	b.send(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message}, ID: id})
}

func (b *Bridge) send(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	b.writeLine(data)
}

func (b *Bridge) sendNotification(method string, params interface{}) error {
	data, err := json.Marshal(Notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return b.writeLine(data)
}

func (b *Bridge) writeLine(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.stdout.Write(data); err != nil {
		return err
	}
	_, err := b.stdout.Write([]byte("\n"))
	return err
}
