package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jingkaihe/reqgate/pkg/api"
	"github.com/jingkaihe/reqgate/pkg/webrequest"
)

const (
	dialTimeout  = 30 * time.Second
	maxRedirects = 10
)

func (p *Proxy) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		if !p.handleRequest(conn, req) {
			return
		}
	}
}

// handleRequest drives one transaction through the full stage pipeline.
// Returns false when the connection must not be reused.
func (p *Proxy) handleRequest(conn net.Conn, req *http.Request) bool {
	start := time.Now()

	u := req.URL
	if !u.IsAbs() {
		u = &url.URL{Scheme: "http", Host: req.Host, Path: req.URL.Path, RawQuery: req.URL.RawQuery}
	}
	tx := webrequest.NewTransaction(req.Method, u, req.Header)

	// before_request, looping through before_redirect on handler-issued
	// redirects so the transaction re-enters at before_request.
	for hops := 0; ; hops++ {
		if hops > maxRedirects {
			p.blocked(conn, tx, "too many handler redirects")
			return false
		}
		out := &webrequest.DecisionOut{}
		verdict, err := p.dispatcher.DispatchDecision(p.ctx, p, webrequest.StageBeforeRequest, tx, out)
		if err != nil {
			p.blocked(conn, tx, "proxy shutting down")
			return false
		}
		if verdict.Action == webrequest.ActionCancel {
			p.dispatcher.DispatchSimple(p, webrequest.StageErrorOccurred, tx,
				webrequest.SimpleDetail{Err: api.ErrCancelled})
			p.blocked(conn, tx, "cancelled at before_request")
			return false
		}
		if out.NewURL != nil {
			p.dispatcher.DispatchSimple(p, webrequest.StageBeforeRedirect, tx,
				webrequest.SimpleDetail{NewLocation: out.NewURL})
			tx.URL = out.NewURL
			continue
		}
		break
	}

	// before_send_headers
	out := &webrequest.DecisionOut{}
	verdict, err := p.dispatcher.DispatchDecision(p.ctx, p, webrequest.StageBeforeSendHeaders, tx, out)
	if err != nil {
		p.blocked(conn, tx, "proxy shutting down")
		return false
	}
	if verdict.Action == webrequest.ActionCancel {
		p.dispatcher.DispatchSimple(p, webrequest.StageErrorOccurred, tx,
			webrequest.SimpleDetail{Err: api.ErrCancelled})
		p.blocked(conn, tx, "cancelled at before_send_headers")
		return false
	}
	if out.RequestHeaders != nil {
		req.Header = out.RequestHeaders
		tx.RequestHeaders = out.RequestHeaders
	}

	p.dispatcher.DispatchSimple(p, webrequest.StageSendHeaders, tx,
		webrequest.SimpleDetail{RequestHeaders: tx.RequestHeaders})

	resp, upstream, err := p.roundTrip(req, tx)
	if err != nil {
		p.dispatcher.DispatchSimple(p, webrequest.StageErrorOccurred, tx,
			webrequest.SimpleDetail{Err: err})
		writeHTTPError(conn, http.StatusBadGateway, "Failed to reach upstream")
		return false
	}
	defer upstream.Close()
	defer resp.Body.Close()

	// headers_received
	tx.ResponseHeaders = resp.Header
	tx.StatusCode = resp.StatusCode
	out = &webrequest.DecisionOut{}
	verdict, err = p.dispatcher.DispatchDecision(p.ctx, p, webrequest.StageHeadersReceived, tx, out)
	if err != nil {
		p.blocked(conn, tx, "proxy shutting down")
		return false
	}
	if verdict.Action == webrequest.ActionCancel {
		p.dispatcher.DispatchSimple(p, webrequest.StageErrorOccurred, tx,
			webrequest.SimpleDetail{Err: api.ErrCancelled})
		p.blocked(conn, tx, "cancelled at headers_received")
		return false
	}
	if out.ResponseHeaders != nil {
		resp.Header = out.ResponseHeaders
		tx.ResponseHeaders = out.ResponseHeaders
	}
	if out.UnsafeRedirectURL != nil {
		resp.Header.Set("Location", out.UnsafeRedirectURL.String())
		if resp.StatusCode < 300 || resp.StatusCode > 399 {
			resp.StatusCode = http.StatusTemporaryRedirect
			resp.Status = ""
		}
		tx.StatusCode = resp.StatusCode
	}

	if loc := redirectLocation(resp); loc != nil {
		p.dispatcher.DispatchSimple(p, webrequest.StageBeforeRedirect, tx,
			webrequest.SimpleDetail{NewLocation: loc})
	}

	p.dispatcher.DispatchSimple(p, webrequest.StageResponseStarted, tx, webrequest.SimpleDetail{})

	if err := writeResponse(conn, resp); err != nil {
		p.dispatcher.DispatchSimple(p, webrequest.StageErrorOccurred, tx,
			webrequest.SimpleDetail{Err: err})
		return false
	}

	p.dispatcher.DispatchSimple(p, webrequest.StageCompleted, tx, webrequest.SimpleDetail{})
	p.emitEvent(tx, time.Since(start))

	return !req.Close && !resp.Close
}

// roundTrip sends the (possibly rewritten) request upstream and reads the
// response headers. The caller owns both returned resources.
func (p *Proxy) roundTrip(req *http.Request, tx *webrequest.Transaction) (*http.Response, net.Conn, error) {
	target := hostPort(tx.URL)

	var upstream net.Conn
	var err error
	if tx.URL.Scheme == "https" {
		upstream, err = tls.Dial("tcp", target, &tls.Config{ServerName: tx.URL.Hostname()})
	} else {
		upstream, err = net.DialTimeout("tcp", target, dialTimeout)
	}
	if err != nil {
		return nil, nil, err
	}

	req.URL = tx.URL
	req.Host = tx.URL.Host
	req.RequestURI = ""
	if err := req.Write(upstream); err != nil {
		upstream.Close()
		return nil, nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		upstream.Close()
		return nil, nil, err
	}
	return resp, upstream, nil
}

func (p *Proxy) blocked(conn net.Conn, tx *webrequest.Transaction, reason string) {
	p.emitBlockedEvent(tx, reason)
	writeHTTPError(conn, http.StatusForbidden, "Blocked by interceptor")
}

func (p *Proxy) emitEvent(tx *webrequest.Transaction, duration time.Duration) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- api.Event{
		Type:      api.EventTypeNetwork,
		Timestamp: time.Now().Unix(),
		Network: &api.NetworkEvent{
			Method:     tx.Method,
			URL:        tx.URL.String(),
			Host:       tx.URL.Host,
			StatusCode: tx.StatusCode,
			DurationMS: duration.Milliseconds(),
		},
	}:
	default:
	}
}

func (p *Proxy) emitBlockedEvent(tx *webrequest.Transaction, reason string) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- api.Event{
		Type:      api.EventTypeNetwork,
		Timestamp: time.Now().Unix(),
		Network: &api.NetworkEvent{
			Method:      tx.Method,
			URL:         tx.URL.String(),
			Host:        tx.URL.Host,
			Blocked:     true,
			BlockReason: reason,
		},
	}:
	default:
	}
}

func redirectLocation(resp *http.Response) *url.URL {
	if resp.StatusCode < 300 || resp.StatusCode > 399 {
		return nil
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil
	}
	u, err := url.Parse(loc)
	if err != nil {
		return nil
	}
	return u
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Hostname() + ":443"
	}
	return u.Hostname() + ":80"
}

func writeHTTPError(conn net.Conn, status int, message string) {
	resp := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(message), message)
	io.WriteString(conn, resp)
}

func writeResponse(conn net.Conn, resp *http.Response) error {
	bw := bufio.NewWriterSize(conn, 64*1024)
	if err := resp.Write(bw); err != nil {
		return err
	}
	return bw.Flush()
}
