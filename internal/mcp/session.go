// File: internal/mcp/session.go
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultCallTimeout bounds a single request when the caller's context
	// carries no nearer deadline.
	DefaultCallTimeout = 20 * time.Second

	// readerStopGrace bounds how long Close waits for the background reader
	// and the notification dispatcher to drain.
	readerStopGrace = 2 * time.Second

	notificationBuffer = 64
)

// NotificationHandler receives unsolicited notifications from the tool
// process. Handlers run on the dispatcher goroutine in registration order.
type NotificationHandler func(method string, params json.RawMessage)

// notification is the envelope queued between the reader and the dispatcher.
type notification struct {
	method string
	params json.RawMessage
}

// callResult is the single-resolution slot value for one pending call.
type callResult struct {
	result json.RawMessage
	err    error
}

// Session implements the request/response/notification protocol on top of a
// Transport. Multiple calls may be outstanding concurrently; responses are
// correlated strictly by id regardless of arrival order.
type Session struct {
	transport   Transport
	logger      *zap.Logger
	callTimeout time.Duration
	clientName  string

	// nextID is instance-owned so independent sessions never share id space.
	nextID atomic.Int64

	// pending maps call id to its result slot. The slot channel is buffered
	// with capacity 1 and every slot is resolved at most once: whoever
	// deletes the entry under the mutex owns the resolution.
	mu      sync.Mutex
	pending map[int64]chan callResult

	handlerMu sync.Mutex
	handlers  []NotificationHandler

	notifCh        chan notification
	readerDone     chan struct{}
	dispatcherDone chan struct{}
	closeOnce      sync.Once
	closed         atomic.Bool
}

// SessionOption tweaks session construction.
type SessionOption func(*Session)

// WithCallTimeout overrides the default per-call timeout.
func WithCallTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithClientName overrides the client name reported during initialize.
func WithClientName(name string) SessionOption {
	return func(s *Session) { s.clientName = name }
}

// NewSession wires a session over the given transport. Start must be called
// before any request.
func NewSession(transport Transport, logger *zap.Logger, opts ...SessionOption) *Session {
	s := &Session{
		transport:      transport,
		logger:         logger.Named("mcp.session"),
		callTimeout:    DefaultCallTimeout,
		clientName:     "webpilot-cli",
		pending:        make(map[int64]chan callResult),
		notifCh:        make(chan notification, notificationBuffer),
		readerDone:     make(chan struct{}),
		dispatcherDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the transport, the background reader, and the notification
// dispatcher.
func (s *Session) Start() error {
	if err := s.transport.Start(); err != nil {
		return err
	}
	go s.readLoop()
	go s.dispatchLoop()
	return nil
}

// OnNotification registers a handler for unsolicited notifications. Handlers
// are invoked in registration order; a panicking handler is isolated and
// logged without disturbing the others.
func (s *Session) OnNotification(handler NotificationHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// Initialize performs the MCP handshake.
func (s *Session) Initialize(ctx context.Context) (json.RawMessage, error) {
	return s.Request(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo": map[string]any{
			"name":    s.clientName,
			"version": "0.1.0",
		},
		"capabilities": map[string]any{},
	})
}

// ListTools returns the tool catalog advertised by the process.
func (s *Session) ListTools(ctx context.Context) (json.RawMessage, error) {
	return s.Request(ctx, "tools/list", map[string]any{})
}

// CallTool invokes one named tool with the given arguments.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	return s.Request(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
}

// Request allocates a fresh id, registers a pending slot, sends the framed
// request, and suspends until the response arrives or the per-call timeout
// elapses. On timeout the slot is discarded and a late response for the id,
// if any, is dropped by the reader.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, ErrTransportClosed
	}

	id := s.nextID.Add(1)
	slot := make(chan callResult, 1)

	s.mu.Lock()
	s.pending[id] = slot
	s.mu.Unlock()

	if err := s.transport.Send(NewRequest(id, method, params)); err != nil {
		s.discard(id)
		return nil, err
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()

	select {
	case res := <-slot:
		return res.result, res.err
	case <-timer.C:
		s.discard(id)
		return nil, &CallTimeoutError{Method: method, ID: id, Timeout: s.callTimeout}
	case <-ctx.Done():
		s.discard(id)
		return nil, ctx.Err()
	}
}

// discard removes a pending slot without resolving it.
func (s *Session) discard(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readLoop continuously pulls messages from the transport. Responses resolve
// their pending slot exactly once; notifications are queued for the
// dispatcher; anything else is ignored. On a fatal transport error the loop
// fails every pending call and exits.
func (s *Session) readLoop() {
	defer close(s.readerDone)

	for {
		msg, err := s.transport.Recv()
		if err != nil {
			var malformed *MalformedMessageError
			if errors.As(err, &malformed) {
				// A garbled line is not fatal; skip it and keep reading.
				s.logger.Warn("Dropping malformed message", zap.Error(err))
				continue
			}
			if !s.closed.Load() {
				s.logger.Debug("Reader stopping", zap.Error(err))
			}
			s.failAllPending(ErrTransportClosed)
			close(s.notifCh)
			return
		}

		switch {
		case msg.IsResponse():
			s.resolve(msg)
		case msg.IsNotification():
			select {
			case s.notifCh <- notification{method: msg.Method, params: msg.Params}:
			default:
				s.logger.Warn("Notification queue full, dropping", zap.String("method", msg.Method))
			}
		default:
			s.logger.Debug("Ignoring unclassifiable message")
		}
	}
}

// resolve delivers a response to its pending slot. Deleting the entry under
// the lock before sending guarantees exactly one resolution per id; a
// duplicate or late response finds no slot and is dropped.
func (s *Session) resolve(msg *Message) {
	id := *msg.ID

	s.mu.Lock()
	slot, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Dropping response with no pending call", zap.Int64("id", id))
		return
	}

	if msg.Error != nil {
		slot <- callResult{err: msg.Error}
		return
	}
	slot <- callResult{result: msg.Result}
}

// failAllPending resolves every outstanding call with err.
func (s *Session) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]chan callResult)
	s.mu.Unlock()

	for id, slot := range pending {
		slot <- callResult{err: err}
		s.logger.Debug("Failed pending call on shutdown", zap.Int64("id", id))
	}
}

// dispatchLoop fans queued notifications out to the registered handlers in
// registration order.
func (s *Session) dispatchLoop() {
	defer close(s.dispatcherDone)

	for n := range s.notifCh {
		s.handlerMu.Lock()
		handlers := make([]NotificationHandler, len(s.handlers))
		copy(handlers, s.handlers)
		s.handlerMu.Unlock()

		for _, handler := range handlers {
			s.invokeHandler(handler, n)
		}
	}
}

func (s *Session) invokeHandler(handler NotificationHandler, n notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Notification handler panicked",
				zap.String("method", n.method),
				zap.Any("panic", r),
			)
		}
	}()
	handler(n.method, n.params)
}

// Close shuts the session down: it stops the transport (which unblocks the
// reader), awaits the reader and dispatcher with a bound, and leaves no live
// child process behind. Safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.transport.Stop()
		if !waitBounded(s.readerDone, readerStopGrace) {
			s.logger.Warn("Reader did not stop within grace period")
		}
		if !waitBounded(s.dispatcherDone, readerStopGrace) {
			s.logger.Warn("Notification dispatcher did not stop within grace period")
		}
	})
	return err
}
