// Package nntp implements a pooled NNTP client limited to what article
// retrieval needs: authenticate, then BODY a message ID and stream the
// raw (still yEnc-encoded) article body back to the caller.
package nntp

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"
)

const dialTimeout = 30 * time.Second

type Client struct {
	conn    *textproto.Conn
	netConn net.Conn
	host    string
	port    int
	ssl     bool
	user    string
	pass    string

	LastUsed time.Time
	pool     *ClientPool
}

func NewClient(address string, port int, ssl bool) (*Client, error) {
	conn, err := dial(address, port, ssl)
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(30 * time.Second))
	tp := textproto.NewConn(conn)
	if _, _, err := tp.ReadResponse(200); err != nil {
		tp.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return &Client{conn: tp, netConn: conn, host: address, port: port, ssl: ssl}, nil
}

func dial(address string, port int, ssl bool) (net.Conn, error) {
	fullAddr := net.JoinHostPort(address, strconv.Itoa(port))
	if ssl {
		dialer := &net.Dialer{Timeout: dialTimeout}
		return tls.DialWithDialer(dialer, "tcp", fullAddr, nil)
	}
	return net.DialTimeout("tcp", fullAddr, dialTimeout)
}

// SetPool assigns the parent pool for read-byte metric tracking.
func (c *Client) SetPool(p *ClientPool) {
	c.pool = p
}

// ErrAuthFailed is fatal to a session: credentials are wrong and retrying
// will not help (see spec error-handling design, "Authentication: fatal").
var ErrAuthFailed = errors.New("nntp: authentication failed")

func (c *Client) Authenticate(user, pass string) error {
	c.user = user
	c.pass = pass
	c.setDeadline()

	id, err := c.conn.Cmd("AUTHINFO USER %s", user)
	if err != nil {
		return err
	}
	c.conn.StartResponse(id)
	code, _, err := c.conn.ReadCodeLine(381)
	c.conn.EndResponse(id)
	if err != nil {
		if code == 281 {
			return nil
		}
		return errAuth(code, err)
	}

	id, err = c.conn.Cmd("AUTHINFO PASS %s", pass)
	if err != nil {
		return err
	}
	c.conn.StartResponse(id)
	code, _, err = c.conn.ReadCodeLine(281)
	c.conn.EndResponse(id)
	if err != nil {
		return errAuth(code, err)
	}
	return nil
}

func errAuth(code int, err error) error {
	if code == 381 || code == 481 || code == 482 || code == 502 {
		return ErrAuthFailed
	}
	return err
}

// bodyReader defers EndResponse until the body has been fully consumed
// (EOF), matching the NNTP pipelining contract: the next command must
// not be issued before the previous response is fully read.
type bodyReader struct {
	io.Reader
	endResponse func()
	once        sync.Once
}

func (b *bodyReader) Read(p []byte) (n int, err error) {
	n, err = b.Reader.Read(p)
	if err == io.EOF {
		b.once.Do(b.endResponse)
	}
	return n, err
}

// formatMessageID wraps a bare message ID in angle brackets, tolerating
// IDs that already carry them.
func formatMessageID(messageID string) string {
	s := strings.TrimSpace(messageID)
	if len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		return s
	}
	return "<" + s + ">"
}

// Body issues BODY <message-id> and returns a reader over the raw
// (yEnc-encoded) article body, terminated by the NNTP multi-line dot
// sequence. The caller must read to EOF.
func (c *Client) Body(messageID string) (io.Reader, error) {
	const maxAttempts = 2
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		c.setDeadline()
		bodyArg := formatMessageID(messageID)
		id, err := c.conn.Cmd("BODY %s", bodyArg)
		if err != nil {
			lastErr = err
			if c.shouldRetry(0, err) {
				if recErr := c.Reconnect(); recErr == nil {
					continue
				}
			}
			return nil, err
		}

		c.conn.StartResponse(id)
		code, _, err := c.conn.ReadCodeLine(222)
		if err != nil {
			c.conn.EndResponse(id)
			lastErr = err
			if c.shouldRetry(code, err) {
				if recErr := c.Reconnect(); recErr == nil {
					continue
				}
			}
			return nil, err
		}

		c.setDeadline()
		reader := &metricReader{r: c.conn.DotReader(), client: c}
		return &bodyReader{
			Reader:      reader,
			endResponse: func() { c.conn.EndResponse(id) },
		}, nil
	}
	return nil, lastErr
}

// metricReader tallies bytes read against the owning pool's throughput
// counters.
type metricReader struct {
	r      io.Reader
	client *Client
}

func (m *metricReader) Read(p []byte) (n int, err error) {
	n, err = m.r.Read(p)
	if n > 0 && m.client.pool != nil {
		m.client.pool.TrackRead(n)
	}
	return n, err
}

// shouldRetry reports whether an error is a transient transport failure
// (network-level, code 0) as opposed to a logical protocol error that
// reconnecting would not fix.
func (c *Client) shouldRetry(code int, err error) bool {
	if code == 480 {
		return true
	}
	if code == 0 && err != nil {
		return true
	}
	return false
}

func (c *Client) Reconnect() error {
	if c.conn != nil {
		c.conn.Close()
	}

	conn, err := dial(c.host, c.port, c.ssl)
	if err != nil {
		return err
	}

	tp := textproto.NewConn(conn)
	if _, _, err := tp.ReadResponse(200); err != nil {
		tp.Close()
		return err
	}

	c.conn = tp
	c.netConn = conn

	if c.user != "" {
		return c.Authenticate(c.user, c.pass)
	}
	return nil
}

func (c *Client) Quit() error {
	return c.conn.Close()
}

func (c *Client) setDeadline() {
	if c.netConn != nil {
		c.netConn.SetDeadline(time.Now().Add(60 * time.Second))
	}
}
