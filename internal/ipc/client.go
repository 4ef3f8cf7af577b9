package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/mil-ad/outputctl/internal/audio"
)

const (
	defaultClientCallTimeout = 3 * time.Second
	defaultEventBuffer       = 4
	// The host part is ignored; dialing always goes through the channel.
	rpcURL = "ws://outputctl" + rpcPath
)

var errClientClosed = errors.New("ipc client closed")

type ClientOptions struct {
	Logger      pslog.Logger
	CallTimeout time.Duration
	// EventBuffer is how many undelivered events are kept; older ones are
	// discarded first.
	EventBuffer int
}

// Client is the caller side of the control channel. The connection is made
// on first use and cached until a transport failure or timeout; calls are
// never retried internally.
type Client struct {
	channel string
	opts    ClientOptions
	logger  pslog.Logger
	dialer  *websocket.Dialer

	mu     sync.Mutex
	cc     *clientConn
	closed bool

	readers sync.WaitGroup
	events  chan audio.OutputModeChanged
}

func NewClient(channel string, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultClientCallTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	c := &Client{
		channel: channel,
		opts:    opts,
		logger:  opts.Logger,
		events:  make(chan audio.OutputModeChanged, opts.EventBuffer),
	}
	c.dialer = &websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dial(ctx, channel)
		},
		HandshakeTimeout: opts.CallTimeout,
	}
	return c
}

// Events delivers route changes pushed by the server. The channel is closed
// by Close.
func (c *Client) Events() <-chan audio.OutputModeChanged {
	return c.events
}

// Call invokes method and waits for its response. Transport failures and
// timeouts wrap ErrServiceUnavailable; errors reported by the server are
// *RemoteError.
func (c *Client) Call(ctx context.Context, method string) (*IPCResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	cc, err := c.connect(callCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errClientClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w: %v", method, ErrServiceUnavailable, err)
	}

	id := xid.New().String()
	ch := cc.register(id)
	defer cc.unregister(id)

	req := Envelope{Type: TypeRequest, Request: &IPCRequest{ID: id, Method: method}}
	if err := cc.write(req, c.opts.CallTimeout); err != nil {
		c.drop(cc, err)
		return nil, fmt.Errorf("%s: %w: %v", method, ErrServiceUnavailable, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, &RemoteError{Method: method, Code: resp.Code, Message: resp.Error}
		}
		return resp, nil
	case <-cc.done:
		return nil, fmt.Errorf("%s: %w: %v", method, ErrServiceUnavailable, cc.cause())
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// The caller gave up; a late response is discarded as stale.
			return nil, ctx.Err()
		}
		c.drop(cc, callCtx.Err())
		return nil, fmt.Errorf("%s: %w: no response within %s", method, ErrServiceUnavailable, c.opts.CallTimeout)
	}
}

// Session returns the server-assigned ID of the cached session, if any.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cc == nil {
		return ""
	}
	return c.cc.session
}

// Close drops the connection and closes the event channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cc := c.cc
	c.cc = nil
	c.mu.Unlock()

	if cc != nil {
		cc.goAway()
	}
	c.readers.Wait()
	close(c.events)
	return nil
}

func (c *Client) connect(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClientClosed
	}
	if c.cc != nil {
		select {
		case <-c.cc.done:
			c.cc = nil
		default:
			return c.cc, nil
		}
	}

	ws, resp, err := c.dialer.DialContext(ctx, rpcURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("another client holds the session")
		}
		return nil, err
	}

	cc := &clientConn{
		ws:      ws,
		session: resp.Header.Get(SessionHeader),
		pending: make(map[string]chan *IPCResponse),
		done:    make(chan struct{}),
	}
	c.cc = cc
	c.readers.Add(1)
	go c.readLoop(cc)

	c.logger.Debug("ipc.client.connected", "session", cc.session, "channel", c.channel)
	return cc, nil
}

// drop discards cc if it is still the cached connection.
func (c *Client) drop(cc *clientConn, cause error) {
	c.mu.Lock()
	if c.cc == cc {
		c.cc = nil
	}
	c.mu.Unlock()
	cc.fail(cause)
	c.logger.Debug("ipc.client.dropped", "session", cc.session, "error", cause)
}

func (c *Client) readLoop(cc *clientConn) {
	defer c.readers.Done()
	for {
		_, data, err := cc.ws.ReadMessage()
		if err != nil {
			c.drop(cc, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("ipc.client.malformed", "error", err)
			continue
		}
		switch {
		case env.Type == TypeResponse && env.Response != nil:
			if !cc.deliver(env.Response) {
				c.logger.Debug("ipc.client.stale", "id", env.Response.ID)
			}
		case env.Type == TypeEvent && env.Event != nil:
			c.pushEvent(audio.OutputModeChanged{Mode: env.Event.Mode})
		}
	}
}

// pushEvent keeps the newest events when the consumer lags.
func (c *Client) pushEvent(ev audio.OutputModeChanged) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}

type clientConn struct {
	ws      *websocket.Conn
	session string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *IPCResponse
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) register(id string) chan *IPCResponse {
	ch := make(chan *IPCResponse, 1)
	cc.mu.Lock()
	cc.pending[id] = ch
	cc.mu.Unlock()
	return ch
}

func (cc *clientConn) unregister(id string) {
	cc.mu.Lock()
	delete(cc.pending, id)
	cc.mu.Unlock()
}

func (cc *clientConn) deliver(resp *IPCResponse) bool {
	cc.mu.Lock()
	ch, ok := cc.pending[resp.ID]
	delete(cc.pending, resp.ID)
	cc.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

func (cc *clientConn) write(env Envelope, timeout time.Duration) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	cc.ws.SetWriteDeadline(time.Now().Add(timeout))
	return cc.ws.WriteJSON(env)
}

func (cc *clientConn) cause() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.err
}

func (cc *clientConn) fail(err error) {
	cc.closeOnce.Do(func() {
		cc.mu.Lock()
		cc.err = err
		cc.mu.Unlock()
		close(cc.done)
		cc.ws.Close()
	})
}

func (cc *clientConn) goAway() {
	cc.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	cc.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	cc.writeMu.Unlock()
	cc.fail(errClientClosed)
}
