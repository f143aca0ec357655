package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/reqgate/pkg/api"
	"github.com/jingkaihe/reqgate/pkg/webrequest"
)

func newTestProxy(t *testing.T) (*Proxy, chan api.Event) {
	t.Helper()
	events := make(chan api.Event, api.DefaultEventBuffer)
	p, err := New(&Config{
		ListenAddr: "127.0.0.1:0",
		Store:      webrequest.NewStore(),
		Events:     events,
	})
	require.NoError(t, err)
	p.Start()
	t.Cleanup(func() { p.Close() })
	return p, events
}

func proxyClient(t *testing.T, p *Proxy) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + p.Addr())
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// stageRecorder registers observers on every simple stage and records the
// order they fire in.
type stageRecorder struct {
	mu     sync.Mutex
	stages []webrequest.Stage
}

func (r *stageRecorder) install(t *testing.T, reg *webrequest.Registry) {
	t.Helper()
	for _, stage := range []webrequest.Stage{
		webrequest.StageSendHeaders,
		webrequest.StageBeforeRedirect,
		webrequest.StageResponseStarted,
		webrequest.StageCompleted,
		webrequest.StageErrorOccurred,
	} {
		stage := stage
		require.NoError(t, reg.SetSimple(stage, api.FilterSpec{}, func(tx *webrequest.Transaction, detail webrequest.SimpleDetail) {
			r.mu.Lock()
			r.stages = append(r.stages, stage)
			r.mu.Unlock()
		}))
	}
}

func (r *stageRecorder) recorded() []webrequest.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webrequest.Stage(nil), r.stages...)
}

func TestProxy_PassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	p, events := newTestProxy(t)
	rec := &stageRecorder{}
	rec.install(t, p.Registry())

	resp, err := proxyClient(t, p).Get(upstream.URL + "/path")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))

	assert.Equal(t, []webrequest.Stage{
		webrequest.StageSendHeaders,
		webrequest.StageResponseStarted,
		webrequest.StageCompleted,
	}, rec.recorded())

	select {
	case ev := <-events:
		require.Equal(t, api.EventTypeNetwork, ev.Type)
		assert.Equal(t, http.StatusOK, ev.Network.StatusCode)
		assert.False(t, ev.Network.Blocked)
	case <-time.After(time.Second):
		t.Fatal("expected a network event")
	}
}

func TestProxy_CancelAtBeforeRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached for a cancelled transaction")
	}))
	defer upstream.Close()

	p, events := newTestProxy(t)
	require.NoError(t, p.Registry().SetDecision(webrequest.StageBeforeRequest, api.FilterSpec{},
		func(tx *webrequest.Transaction, respond webrequest.Responder) {
			respond(webrequest.Cancel())
		}))

	resp, err := proxyClient(t, p).Get(upstream.URL + "/blocked")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	select {
	case ev := <-events:
		require.Equal(t, api.EventTypeNetwork, ev.Type)
		assert.True(t, ev.Network.Blocked)
		assert.Contains(t, ev.Network.BlockReason, "before_request")
	case <-time.After(time.Second):
		t.Fatal("expected a blocked event")
	}
}

func TestProxy_RedirectAtBeforeRequest(t *testing.T) {
	var hits sync.Map
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Store(r.URL.Path, true)
		io.WriteString(w, r.URL.Path)
	}))
	defer upstream.Close()

	p, _ := newTestProxy(t)
	reg := p.Registry()

	var redirectSeen *url.URL
	var mu sync.Mutex
	require.NoError(t, reg.SetSimple(webrequest.StageBeforeRedirect, api.FilterSpec{},
		func(tx *webrequest.Transaction, detail webrequest.SimpleDetail) {
			mu.Lock()
			redirectSeen = detail.NewLocation
			mu.Unlock()
		}))

	require.NoError(t, reg.SetDecision(webrequest.StageBeforeRequest,
		api.FilterSpec{URLs: []string{"*://*/tracker*"}},
		func(tx *webrequest.Transaction, respond webrequest.Responder) {
			respond(webrequest.Redirect(upstream.URL + "/safe"))
		}))

	resp, err := proxyClient(t, p).Get(upstream.URL + "/tracker")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "/safe", string(body))

	_, trackerHit := hits.Load("/tracker")
	assert.False(t, trackerHit, "original target must not be contacted")

	mu.Lock()
	require.NotNil(t, redirectSeen)
	assert.Equal(t, upstream.URL+"/safe", redirectSeen.String())
	mu.Unlock()
}

func TestProxy_ModifyRequestHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("X-Injected"))
		w.Header().Set("X-Cookie", r.Header.Get("Cookie"))
	}))
	defer upstream.Close()

	p, _ := newTestProxy(t)
	require.NoError(t, p.Registry().SetDecision(webrequest.StageBeforeSendHeaders, api.FilterSpec{},
		func(tx *webrequest.Transaction, respond webrequest.Responder) {
			h := tx.RequestHeaders
			h.Set("X-Injected", "by-interceptor")
			h.Del("Cookie")
			respond(webrequest.ModifyHeaders(h))
		}))

	req, err := http.NewRequest(http.MethodGet, upstream.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Cookie", "secret")

	resp, err := proxyClient(t, p).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "by-interceptor", resp.Header.Get("X-Echo"))
	assert.Empty(t, resp.Header.Get("X-Cookie"))
}

func TestProxy_OverrideResponseHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "origin")
	}))
	defer upstream.Close()

	p, _ := newTestProxy(t)
	require.NoError(t, p.Registry().SetDecision(webrequest.StageHeadersReceived, api.FilterSpec{},
		func(tx *webrequest.Transaction, respond webrequest.Responder) {
			h := tx.ResponseHeaders
			h.Set("X-Frame-Options", "DENY")
			respond(webrequest.OverrideResponseHeaders(h))
		}))

	resp, err := proxyClient(t, p).Get(upstream.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "origin", resp.Header.Get("Server"))
}

func TestProxy_UnsafeRedirectAtHeadersReceived(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	p, _ := newTestProxy(t)
	require.NoError(t, p.Registry().SetDecision(webrequest.StageHeadersReceived, api.FilterSpec{},
		func(tx *webrequest.Transaction, respond webrequest.Responder) {
			respond(webrequest.RedirectUnsafe("https://elsewhere.example/landing"))
		}))

	resp, err := proxyClient(t, p).Get(upstream.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "https://elsewhere.example/landing", resp.Header.Get("Location"))
}

func TestProxy_CloseUnblocksPendingDecision(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	events := make(chan api.Event, api.DefaultEventBuffer)
	p, err := New(&Config{
		ListenAddr: "127.0.0.1:0",
		Store:      webrequest.NewStore(),
		Events:     events,
	})
	require.NoError(t, err)
	p.Start()

	suspended := make(chan struct{})
	require.NoError(t, p.Registry().SetDecision(webrequest.StageBeforeRequest, api.FilterSpec{},
		func(tx *webrequest.Transaction, respond webrequest.Responder) {
			close(suspended)
			// never resolves
		}))

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		resp, err := proxyClient(t, p).Get(upstream.URL + "/")
		if err == nil {
			resp.Body.Close()
		}
	}()

	select {
	case <-suspended:
	case <-time.After(5 * time.Second):
		t.Fatal("decision handler never invoked")
	}

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close stayed blocked on a suspended decision")
	}

	select {
	case <-clientDone:
	case <-time.After(5 * time.Second):
		t.Fatal("client stayed blocked after proxy teardown")
	}

	assert.ErrorIs(t, p.Close(), api.ErrProxyClosed)
}
