package nntp

import (
	"context"
	"sync"
	"time"

	"nzbstream/pkg/logger"
)

// ClientPool is a bounded pool of authenticated NNTP connections.
// Connections are created lazily on first acquisition and recycled on
// release; a reaper goroutine closes connections that have sat idle
// too long.
type ClientPool struct {
	host    string
	port    int
	ssl     bool
	user    string
	pass    string
	maxConn int

	idleClients chan *Client
	slots       chan struct{}

	mu             sync.Mutex
	totalBytesRead int64
	closed         bool
}

func NewClientPool(host string, port int, ssl bool, user, pass string, maxConn int) *ClientPool {
	p := &ClientPool{
		host:        host,
		port:        port,
		ssl:         ssl,
		user:        user,
		pass:        pass,
		maxConn:     maxConn,
		idleClients: make(chan *Client, maxConn),
		slots:       make(chan struct{}, maxConn),
	}
	for i := 0; i < maxConn; i++ {
		p.slots <- struct{}{}
	}
	go p.reaperLoop()
	return p
}

// WarmPool dials every connection up front, staggered so the peer is
// not hit with maxConn simultaneous handshakes. Best-effort: a failure
// here is logged and swallowed, the first real request simply pays the
// connection cost (spec §9).
func (p *ClientPool) WarmPool(ctx context.Context) {
	// Warmed clients are held until the loop ends; returning each one
	// straight away would let the next TryGet reuse it instead of
	// dialing a new connection.
	warmed := make([]*Client, 0, p.maxConn)
	for i := 0; i < p.maxConn; i++ {
		c, err := p.TryGet(ctx)
		if !err {
			logger.Warn("nntp: pre-warm connection failed", "host", p.host, "index", i)
			continue
		}
		warmed = append(warmed, c)
		time.Sleep(50 * time.Millisecond)
	}
	for _, c := range warmed {
		p.Put(c)
	}
}

// TrackRead accumulates bytes read for throughput reporting.
func (p *ClientPool) TrackRead(n int) {
	p.mu.Lock()
	p.totalBytesRead += int64(n)
	p.mu.Unlock()
}

// TotalBytesRead returns the cumulative bytes read over this pool's lifetime.
func (p *ClientPool) TotalBytesRead() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalBytesRead
}

func (p *ClientPool) Get(ctx context.Context) (*Client, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-p.idleClients:
		return c, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.slots:
		return p.dialAndAuth()
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c := <-p.idleClients:
		return c, nil
	case <-p.slots:
		return p.dialAndAuth()
	}
}

// TryGet attempts to get a client without blocking on slot exhaustion.
func (p *ClientPool) TryGet(ctx context.Context) (*Client, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case c := <-p.idleClients:
		return c, true
	default:
	}

	select {
	case <-ctx.Done():
		return nil, false
	case <-p.slots:
		c, err := p.dialAndAuth()
		if err != nil {
			return nil, false
		}
		return c, true
	default:
		return nil, false
	}
}

func (p *ClientPool) dialAndAuth() (*Client, error) {
	c, err := NewClient(p.host, p.port, p.ssl)
	if err != nil {
		p.slots <- struct{}{}
		return nil, err
	}
	c.SetPool(p)
	if err := c.Authenticate(p.user, p.pass); err != nil {
		c.Quit()
		p.slots <- struct{}{}
		return nil, err
	}
	return c, nil
}

func (p *ClientPool) Put(c *Client) {
	if c == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		c.Quit()
		p.slots <- struct{}{}
		return
	}
	c.LastUsed = time.Now()

	select {
	case p.idleClients <- c:
	default:
		c.Quit()
		p.slots <- struct{}{}
	}
}

// Discard closes the client and releases its slot without returning it
// to the idle set. Use when the connection state is unknown (e.g. a
// body read was abandoned mid-stream).
func (p *ClientPool) Discard(c *Client) {
	if c == nil {
		return
	}
	c.Quit()
	p.slots <- struct{}{}
}

func (p *ClientPool) reaperLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	const timeout = 30 * time.Second

	for range ticker.C {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		count := len(p.idleClients)
		for i := 0; i < count; i++ {
			select {
			case c := <-p.idleClients:
				if time.Since(c.LastUsed) > timeout {
					c.Quit()
					p.slots <- struct{}{}
				} else {
					p.idleClients <- c
				}
			default:
			}
		}
	}
}

// Validate dials, authenticates, and returns one connection to the pool,
// confirming the configured credentials actually work.
func (p *ClientPool) Validate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	c, err := p.Get(ctx)
	if err != nil {
		return err
	}
	p.Put(c)
	return nil
}

func (p *ClientPool) Host() string { return p.host }
func (p *ClientPool) MaxConn() int { return p.maxConn }

// TotalConnections returns the number of open connections (active + idle).
func (p *ClientPool) TotalConnections() int {
	return p.maxConn - len(p.slots)
}

// Shutdown closes all idle connections and prevents further reuse.
func (p *ClientPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.idleClients)
	for c := range p.idleClients {
		c.Quit()
	}
}
