// SPDX-FileCopyrightText: the Porpulsion contributors
//
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"k8s.io/utils/ptr"
)

const (
	// pingInterval is how often each side sends a websocket ping.
	pingInterval = 20 * time.Second
	// readTimeout is the inactivity window; two missed pongs exceed it.
	readTimeout = 45 * time.Second
	// writeTimeout bounds a single frame write; exceeding it is a transport
	// error and tears the channel down.
	writeTimeout = 10 * time.Second

	// pushQueueSize bounds the outbound push queue. On overflow the oldest
	// push is dropped; status converges later via the reconciler.
	pushQueueSize = 1024

	// DefaultRequestTimeout applies to Send when the caller's context has no
	// deadline; a caller deadline of any length replaces it.
	DefaultRequestTimeout = 30 * time.Second
)

// conn is one live websocket channel to a peer. It owns a reader goroutine, a
// writer goroutine, the request correlation map, and the inbound-request
// cancellation map. It never reconnects itself; the manager does.
type conn struct {
	peer     string
	ws       *websocket.Conn
	router   *Router
	log      logr.Logger
	openedAt time.Time

	writeCh chan *Frame   // requests + replies, blocking
	pushCh  chan *Frame   // pushes, drop-oldest on overflow
	closed  chan struct{} // closed exactly once when the channel dies

	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan *Frame // request id -> waiter

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc // inbound request id -> cancel
}

func newConn(peer string, ws *websocket.Conn, router *Router, log logr.Logger) *conn {
	return &conn{
		peer:     peer,
		ws:       ws,
		router:   router,
		log:      log,
		openedAt: time.Now(),
		writeCh:  make(chan *Frame, 16),
		pushCh:   make(chan *Frame, pushQueueSize),
		closed:   make(chan struct{}),
		pending:  map[string]chan *Frame{},
		inflight: map[string]context.CancelFunc{},
	}
}

// run drives the reader and writer until the connection dies, then fails all
// outstanding requests with ErrChannelDown. It returns the first transport
// error.
func (c *conn) run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- c.readLoop(ctx) }()
	go func() { errCh <- c.writeLoop(ctx) }()

	err := <-errCh
	c.close()
	<-errCh
	return err
}

// close tears the connection down and releases every waiter. Safe to call
// multiple times and from any goroutine.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()

		c.pendingMu.Lock()
		for id, waiter := range c.pending {
			close(waiter)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		c.inflightMu.Lock()
		for id, cancel := range c.inflight {
			cancel()
			delete(c.inflight, id)
		}
		c.inflightMu.Unlock()
	})
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *conn) readLoop(ctx context.Context) error {
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	if err := c.ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return err
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}
		if err := c.ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}

		frame := &Frame{}
		if err := json.Unmarshal(data, frame); err != nil {
			c.log.Info("Dropping malformed frame", "error", err)
			continue
		}

		switch {
		case frame.IsReply():
			c.deliverReply(frame)
		case frame.IsRequest():
			c.handleRequest(ctx, frame)
		case frame.Type == EventCancel:
			c.handleCancel(frame)
		default:
			go c.router.DispatchPush(ctx, c.peer, frame)
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrChannelDown
		case frame := <-c.writeCh:
			if err := c.writeFrame(frame); err != nil {
				return err
			}
		case frame := <-c.pushCh:
			if err := c.writeFrame(frame); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("writing ping: %w", err)
			}
		}
	}
}

func (c *conn) writeFrame(frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *conn) deliverReply(frame *Frame) {
	c.pendingMu.Lock()
	waiter, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Info("Dropping reply without matching request", "id", frame.ID)
		return
	}
	waiter <- frame
}

// handleRequest dispatches an inbound request on its own goroutine so a slow
// handler cannot stall the read loop, and registers a cancel func so the
// peer's cancel push can stop it early.
func (c *conn) handleRequest(ctx context.Context, frame *Frame) {
	reqCtx, cancel := context.WithCancel(ctx)
	c.inflightMu.Lock()
	c.inflight[frame.ID] = cancel
	c.inflightMu.Unlock()

	go func() {
		defer func() {
			c.inflightMu.Lock()
			delete(c.inflight, frame.ID)
			c.inflightMu.Unlock()
			cancel()
		}()

		result, err := c.router.DispatchRequest(reqCtx, c.peer, frame)

		reply := &Frame{ID: frame.ID, Type: frameTypeReply}
		if err != nil {
			reply.OK = ptr.To(false)
			reply.Error = err.Error()
		} else {
			reply.OK = ptr.To(true)
			payload, marshalErr := json.Marshal(result)
			if marshalErr != nil {
				reply.OK = ptr.To(false)
				reply.Error = fmt.Sprintf("encoding reply: %v", marshalErr)
			} else {
				reply.Payload = payload
			}
		}

		// The requester may have cancelled; a reply nobody correlates is
		// dropped on their side with a warning, which is fine.
		select {
		case c.writeCh <- reply:
		case <-c.closed:
		}
	}()
}

func (c *conn) handleCancel(frame *Frame) {
	payload := cancelPayload{}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.log.Info("Dropping malformed cancel push", "error", err)
		return
	}
	c.inflightMu.Lock()
	cancel, ok := c.inflight[payload.ID]
	c.inflightMu.Unlock()
	if ok {
		cancel()
	}
}

// send issues a request and awaits the correlated reply.
func (c *conn) send(ctx context.Context, frameType string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request payload: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	id := NewRequestID()
	waiter := make(chan *Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = waiter
	c.pendingMu.Unlock()

	frame := &Frame{ID: id, Type: frameType, Payload: data}
	select {
	case c.writeCh <- frame:
	case <-c.closed:
		c.removeWaiter(id)
		return nil, ErrChannelDown
	case <-ctx.Done():
		c.removeWaiter(id)
		return nil, ctxError(ctx)
	}

	select {
	case reply, ok := <-waiter:
		if !ok {
			return nil, ErrChannelDown
		}
		if reply.OK != nil && !*reply.OK {
			return nil, &RemoteError{Message: reply.Error}
		}
		return reply.Payload, nil
	case <-c.closed:
		c.removeWaiter(id)
		return nil, ErrChannelDown
	case <-ctx.Done():
		c.removeWaiter(id)
		// Best effort: let the remote handler stop early.
		c.push(&Frame{Type: EventCancel, Payload: mustMarshal(cancelPayload{ID: id})})
		return nil, ctxError(ctx)
	}
}

func (c *conn) removeWaiter(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// push enqueues a fire-and-forget frame, dropping the oldest queued push when
// the queue is full.
func (c *conn) push(frame *Frame) {
	select {
	case c.pushCh <- frame:
		return
	default:
	}

	select {
	case dropped := <-c.pushCh:
		c.log.Info("Push queue overflow, dropping oldest push", "droppedType", dropped.Type)
	default:
	}
	select {
	case c.pushCh <- frame:
	default:
		c.log.Info("Push queue overflow, dropping push", "type", frame.Type)
	}
}

// pushSync enqueues a fire-and-forget frame through the ordered write path,
// blocking for backpressure instead of dropping. Used for tunnel chunks,
// where dropping would corrupt the stream.
func (c *conn) pushSync(ctx context.Context, frame *Frame) error {
	select {
	case c.writeCh <- frame:
		return nil
	case <-c.closed:
		return ErrChannelDown
	case <-ctx.Done():
		return ctxError(ctx)
	}
}

func ctxError(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	return ErrCancelled
}
