// Package proxy is the network engine of the interception pipeline: a
// forward HTTP proxy that drives every transaction through the webrequest
// dispatcher at each lifecycle stage and honors the resulting verdicts.
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/jingkaihe/reqgate/pkg/api"
	"github.com/jingkaihe/reqgate/pkg/webrequest"
)

type Config struct {
	ListenAddr string // address to bind, e.g. "127.0.0.1:8080"
	Store      *webrequest.Store
	Events     chan api.Event
}

// Proxy accepts client connections and relays requests upstream. The proxy
// itself is the owning context of its interception registry: closing the
// proxy destroys the registry and unblocks any suspended decision.
type Proxy struct {
	listener   net.Listener
	store      *webrequest.Store
	dispatcher *webrequest.Dispatcher
	events     chan api.Event

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(cfg *Config) (*Proxy, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		listener:   ln,
		store:      cfg.Store,
		dispatcher: webrequest.NewDispatcher(cfg.Store, cfg.Events),
		events:     cfg.Events,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Addr returns the bound listen address.
func (p *Proxy) Addr() string {
	return p.listener.Addr().String()
}

// Registry returns the proxy's interception registry, creating it on first
// access.
func (p *Proxy) Registry() *webrequest.Registry {
	return p.store.GetOrCreate(p)
}

// Start begins accepting connections.
func (p *Proxy) Start() {
	p.wg.Add(1)
	go p.acceptLoop()
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConn(conn)
		}()
	}
}

// Close stops accepting, abandons in-flight dispatches, waits for connection
// goroutines, and tears down the registry so no decision stays suspended.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return api.ErrProxyClosed
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	err := p.listener.Close()
	p.store.OnOwnerDestroyed(p)
	p.wg.Wait()
	return err
}
