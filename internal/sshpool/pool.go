package sshpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spyre-sh/spyre/internal/common/logger"
)

// DialFunc establishes a channel to a target. The default uses x/crypto/ssh;
// tests substitute their own.
type DialFunc func(ctx context.Context, target Target) (Channel, error)

// Options configures a Pool.
type Options struct {
	PrivateKeyPath    string
	ReadyTimeout      time.Duration
	KeepaliveInterval time.Duration
	Dial              DialFunc
}

type entry struct {
	mu      sync.Mutex
	channel Channel
	target  Target
}

// Pool caches one SSH connection per environment. Connections are dialed on
// first use and kept alive until evicted or the pool is closed.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	log     *logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a connection pool and starts its keepalive loop.
func New(opts Options, log *logger.Logger) *Pool {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.Dial == nil {
		keyPath := opts.PrivateKeyPath
		ready := opts.ReadyTimeout
		opts.Dial = func(ctx context.Context, target Target) (Channel, error) {
			return dial(ctx, target, keyPath, ready)
		}
	}
	p := &Pool{
		entries: make(map[string]*entry),
		opts:    opts,
		log:     log,
		stop:    make(chan struct{}),
	}
	go p.keepaliveLoop()
	return p
}

// Get returns the cached channel for an environment, dialing if necessary.
// A changed target address evicts the stale connection first.
func (p *Pool) Get(ctx context.Context, envID string, target Target) (Channel, error) {
	p.mu.Lock()
	e, ok := p.entries[envID]
	if !ok {
		e = &entry{}
		p.entries[envID] = e
	}
	p.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.channel != nil && e.target.Addr != target.Addr {
		p.log.WithEnvID(envID).Info("environment address changed, reconnecting",
			zap.String("old", e.target.Addr), zap.String("new", target.Addr))
		_ = e.channel.Close()
		e.channel = nil
	}
	if e.channel != nil {
		return e.channel, nil
	}

	ch, err := p.opts.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	e.channel = ch
	e.target = target
	p.log.WithEnvID(envID).Info("SSH connection established", zap.String("addr", ch.Addr()))
	return ch, nil
}

// Evict drops and closes the cached connection for an environment.
func (p *Pool) Evict(envID string) {
	p.mu.Lock()
	e, ok := p.entries[envID]
	if ok {
		delete(p.entries, envID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel != nil {
		_ = e.channel.Close()
		e.channel = nil
	}
}

// Close shuts down the keepalive loop and all cached connections.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.channel != nil {
			_ = e.channel.Close()
			e.channel = nil
		}
		e.mu.Unlock()
	}
}

func (p *Pool) keepaliveLoop() {
	ticker := time.NewTicker(p.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.pingAll()
		}
	}
}

// pingAll probes every cached connection and evicts the dead ones so the
// next Get redials instead of failing.
func (p *Pool) pingAll() {
	p.mu.Lock()
	snapshot := make(map[string]*entry, len(p.entries))
	for id, e := range p.entries {
		snapshot[id] = e
	}
	p.mu.Unlock()

	for envID, e := range snapshot {
		e.mu.Lock()
		ch := e.channel
		e.mu.Unlock()
		if ch == nil {
			continue
		}
		kc, ok := ch.(*sshChannel)
		if !ok {
			continue
		}
		if err := kc.keepalive(); err != nil {
			p.log.WithEnvID(envID).WithError(err).Warn("SSH keepalive failed, evicting connection")
			p.Evict(envID)
		}
	}
}
