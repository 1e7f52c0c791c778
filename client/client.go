// Package client is a Go client for the gateway's websocket protocol:
// dial and handshake, request/reply correlation over request_id, and
// typed access to broadcast events. The e2e suite drives the gateway
// through it; services that need a direct socket can embed it too.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"crewlink/domain"
	"crewlink/domain/event"
)

const defaultHandshakeTimeout = 10 * time.Second

// Options configures a dial.
type Options struct {
	// URL is the websocket endpoint, ws://host:port/ws.
	URL string
	// AccessToken is required; RefreshToken lets the handshake survive an
	// expired access token.
	AccessToken      string
	RefreshToken     string
	HandshakeTimeout time.Duration
}

// Client is one live socket. All exported methods are safe for
// concurrent use.
type Client struct {
	ws *websocket.Conn

	// SocketID and UserID are filled from the connection_ack.
	SocketID domain.SocketID
	UserID   string

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan event.Event
	waiters  map[event.Name][]chan event.Event
	handlers map[event.Name][]func(event.Event)
	readErr  error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects, authenticates, and waits for the connection_ack. A
// rejected handshake surfaces the server's error event as the returned
// error.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	timeout := opts.HandshakeTimeout
	if timeout == 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.AccessToken)
	if opts.RefreshToken != "" {
		header.Set("X-Refresh-Token", opts.RefreshToken)
	}

	ws, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Client{
		ws:       ws,
		pending:  make(map[string]chan event.Event),
		waiters:  make(map[event.Name][]chan event.Event),
		handlers: make(map[event.Name][]func(event.Event)),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	evt, err := c.expectAny(ctx, event.ConnectionAck, event.Error)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if evt.Type == event.Error {
		c.Close()
		return nil, fmt.Errorf("handshake rejected: %s", errorMessage(evt))
	}
	if ack, ok := event.DecodePayload[event.AckPayload](evt); ok {
		c.SocketID = ack.SocketID
		c.UserID = ack.UserID
	}
	return c, nil
}

// Send writes one frame and does not wait for anything back.
func (c *Client) Send(name event.Name, payload any) error {
	return c.write(event.Frame{Type: name, Payload: mustRaw(payload)})
}

// Request writes a frame with a fresh request_id and waits for the
// correlated reply. An error event carrying the same request_id resolves
// the wait too, as an error.
func (c *Client) Request(ctx context.Context, name event.Name, payload any) (event.Event, error) {
	requestID := uuid.NewString()
	ch := make(chan event.Event, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return event.Event{}, err
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.write(event.Frame{Type: name, RequestID: requestID, Payload: mustRaw(payload)}); err != nil {
		return event.Event{}, err
	}

	select {
	case evt := <-ch:
		if evt.Type == event.Error {
			return evt, fmt.Errorf("%s rejected: %s", name, errorMessage(evt))
		}
		return evt, nil
	case <-c.done:
		return event.Event{}, c.err()
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// On registers a callback for every future event of the given type.
// Callbacks run on the read loop; keep them short.
func (c *Client) On(name event.Name, fn func(event.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = append(c.handlers[name], fn)
}

// Expect waits for the next event of the given type that no pending
// request claims.
func (c *Client) Expect(ctx context.Context, name event.Name) (event.Event, error) {
	return c.expectAny(ctx, name)
}

// Close sends a normal-closure frame and tears the socket down. Safe to
// call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// Done is closed once the socket is gone, whoever hung up.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var evt event.Event
		if err := c.ws.ReadJSON(&evt); err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		c.dispatch(evt)
	}
}

func (c *Client) dispatch(evt event.Event) {
	c.mu.Lock()
	if evt.RequestID != "" {
		if ch, ok := c.pending[evt.RequestID]; ok {
			delete(c.pending, evt.RequestID)
			c.mu.Unlock()
			ch <- evt
			return
		}
	}

	if chans := c.waiters[evt.Type]; len(chans) > 0 {
		ch := chans[0]
		c.waiters[evt.Type] = chans[1:]
		c.mu.Unlock()
		ch <- evt
		return
	}

	fns := append([]func(event.Event){}, c.handlers[evt.Type]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// expectAny waits for the first event matching any of the names. Each
// name gets a one-shot waiter; the losers are cleaned up on return.
func (c *Client) expectAny(ctx context.Context, names ...event.Name) (event.Event, error) {
	ch := make(chan event.Event, 1)

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return event.Event{}, err
	}
	for _, name := range names {
		c.waiters[name] = append(c.waiters[name], ch)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		for _, name := range names {
			chans := c.waiters[name]
			for i, w := range chans {
				if w == ch {
					c.waiters[name] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
		}
		c.mu.Unlock()
	}()

	select {
	case evt := <-ch:
		return evt, nil
	case <-c.done:
		return event.Event{}, c.err()
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

func (c *Client) write(frame event.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(frame)
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return fmt.Errorf("connection closed")
}

func errorMessage(evt event.Event) string {
	type wireError struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if we, ok := event.DecodePayload[wireError](evt); ok {
		return fmt.Sprintf("%s: %s", we.Code, we.Message)
	}
	return "unknown error"
}

func mustRaw(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return raw
}
