package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/rickgao/tasklink/internal/auth"
)

// NewPollingDialer returns a Dialer for the HTTP long-poll transport.
//
// Protocol: POST {endpoint}/poll performs the handshake and returns the
// welcome frame. GET /poll?sid= blocks until frames are available and
// returns them as a JSON array (204 when the wait expired empty). POST
// /poll?sid= sends one frame. DELETE /poll?sid= ends the session.
func NewPollingDialer(opts Options) Dialer {
	opts.normalize()
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &pollDialer{opts: opts, client: client}
}

type pollDialer struct {
	opts   Options
	client *http.Client
}

func (d *pollDialer) Dial(ctx context.Context, cred auth.Credential) (Conn, error) {
	u, err := endpointURL(d.opts.URL, false)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = d.opts.header(cred)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling handshake: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &RejectError{Kind: ErrAuthRejected, Status: resp.StatusCode}
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("polling handshake: unexpected status %d", resp.StatusCode)
	}

	var welcome Frame
	if err := json.NewDecoder(resp.Body).Decode(&welcome); err != nil {
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	sid, err := handshake(welcome)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	q.Set("sid", sid)
	u.RawQuery = q.Encode()

	pctx, pcancel := context.WithCancel(context.Background())
	c := &pollConn{
		opts:   d.opts,
		client: d.client,
		logger: d.opts.Logger.With("transport", NamePolling, "sid", sid),
		url:    u,
		header: d.opts.header(cred),
		sid:    sid,
		frames: make(chan Frame, d.opts.BufferSize),
		ctx:    pctx,
		cancel: pcancel,
	}
	go c.pollLoop()

	c.logger.Debug("polling connected", "url", u.Redacted())
	return c, nil
}

// pollConn is a Conn over repeated HTTP requests.
type pollConn struct {
	opts   Options
	client *http.Client
	logger *slog.Logger

	url    *url.URL
	header http.Header
	sid    string

	frames chan Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	err    error
}

func (c *pollConn) Transport() string    { return NamePolling }
func (c *pollConn) SessionID() string    { return c.sid }
func (c *pollConn) Frames() <-chan Frame { return c.frames }

func (c *pollConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *pollConn) Send(f Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("polling send: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("polling send: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close ends the session and tells the server, best effort.
func (c *pollConn) Close() error {
	if !c.terminate(nil) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodDelete, nil)
	if err != nil {
		return nil
	}
	resp.Body.Close()
	return nil
}

func (c *pollConn) terminate(cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.err = cause
	c.mu.Unlock()

	c.cancel()
	return true
}

func (c *pollConn) do(ctx context.Context, method string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = c.header.Clone()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}

// pollLoop issues back-to-back long polls until the session ends.
func (c *pollConn) pollLoop() {
	defer close(c.frames)

	for {
		batch, err := c.poll()
		if err != nil {
			if c.ctx.Err() == nil {
				c.terminate(err)
			}
			return
		}

		for _, f := range batch {
			if cause := terminal(f); cause != nil {
				c.terminate(cause)
				return
			}
			select {
			case c.frames <- f:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *pollConn) poll() ([]Frame, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.PollTimeout+c.opts.HandshakeTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var batch []Frame
		if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
			return nil, fmt.Errorf("decode poll: %w", err)
		}
		return batch, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &RejectError{Kind: ErrAuthRejected, Status: resp.StatusCode}
	case http.StatusGone:
		return nil, &ServerClosedError{Reason: "session ended"}
	default:
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
}
