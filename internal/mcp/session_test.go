// File: internal/mcp/session_test.go
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeTransport is an in-memory Transport. Tests script its behavior by
// pushing frames into inbound and by installing an onSend hook.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*Request
	onSend  func(req *Request)
	inbound chan *Message
	closed  chan struct{}
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan *Message, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Start() error { return nil }

func (f *fakeTransport) Send(msg any) error {
	req, ok := msg.(*Request)
	if !ok {
		return fmt.Errorf("unexpected frame type %T", msg)
	}
	f.mu.Lock()
	f.sent = append(f.sent, req)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (f *fakeTransport) Recv() (*Message, error) {
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-f.closed:
		return nil, ErrTransportClosed
	}
}

func (f *fakeTransport) Stop() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) push(msg *Message) { f.inbound <- msg }

func (f *fakeTransport) sentRequests() []*Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Request, len(f.sent))
	copy(out, f.sent)
	return out
}

func respondTo(id int64, result string) *Message {
	return &Message{JSONRPC: Version, ID: &id, Result: json.RawMessage(result)}
}

func newTestSession(t *testing.T, tr Transport, opts ...SessionOption) *Session {
	t.Helper()
	s := NewSession(tr, zaptest.NewLogger(t), opts...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRequestIDsStrictlyIncrease(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(req *Request) {
		ft.push(respondTo(*req.ID, `{"ok":true}`))
	}
	s := newTestSession(t, ft)

	// Mix successes with an error response; ids must never repeat or stall.
	for i := 0; i < 5; i++ {
		_, err := s.Request(context.Background(), "tools/list", nil)
		require.NoError(t, err)
	}

	sent := ft.sentRequests()
	require.Len(t, sent, 5)
	for i, req := range sent {
		assert.Equal(t, int64(i+1), *req.ID)
	}
}

func TestSessionConcurrentCallsOutOfOrderResponses(t *testing.T) {
	ft := newFakeTransport()

	var pendingMu sync.Mutex
	var pendingIDs []int64
	release := make(chan struct{})
	ft.onSend = func(req *Request) {
		pendingMu.Lock()
		pendingIDs = append(pendingIDs, *req.ID)
		n := len(pendingIDs)
		pendingMu.Unlock()
		if n == 3 {
			close(release)
		}
	}
	s := newTestSession(t, ft)

	// Respond in reverse arrival order once all three calls are in flight.
	go func() {
		<-release
		pendingMu.Lock()
		ids := append([]int64(nil), pendingIDs...)
		pendingMu.Unlock()
		for i := len(ids) - 1; i >= 0; i-- {
			ft.push(respondTo(ids[i], fmt.Sprintf(`{"echo":%d}`, ids[i])))
		}
	}()

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			raw, err := s.Request(context.Background(), "tools/call", map[string]any{"slot": slot})
			assert.NoError(t, err)
			results[slot] = string(raw)
		}(i)
	}
	wg.Wait()

	// Every caller got a response matched to its own id.
	seen := map[string]bool{}
	for _, r := range results {
		assert.NotEmpty(t, r)
		seen[r] = true
	}
	assert.Len(t, seen, 3, "each call must resolve with a distinct payload")
}

func TestSessionErrorResponseDecodesRPCError(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(req *Request) {
		id := *req.ID
		ft.push(&Message{
			JSONRPC: Version,
			ID:      &id,
			Error:   &RPCError{Code: CodeMethodNotFound, Message: "nope"},
		})
	}
	s := newTestSession(t, ft)

	_, err := s.Request(context.Background(), "bogus/method", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)
}

func TestSessionCallTimeoutDiscardsSlot(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft, WithCallTimeout(30*time.Millisecond))

	_, err := s.Request(context.Background(), "tools/call", nil)
	var timeoutErr *CallTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "tools/call", timeoutErr.Method)

	// A late response for the discarded id must be dropped silently, and the
	// session must keep working afterwards.
	ft.push(respondTo(timeoutErr.ID, `{"late":true}`))

	ft.onSend = func(req *Request) { ft.push(respondTo(*req.ID, `{"ok":true}`)) }
	raw, err := s.Request(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestSessionDuplicateResponseIsDropped(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(req *Request) {
		// Resolve the call twice; the second resolution must be a no-op.
		ft.push(respondTo(*req.ID, `{"first":true}`))
		ft.push(respondTo(*req.ID, `{"second":true}`))
	}
	s := newTestSession(t, ft)

	raw, err := s.Request(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"first":true}`, string(raw))
}

func TestSessionNotificationsDeliveredInRegistrationOrder(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	s.OnNotification(func(method string, _ json.RawMessage) {
		mu.Lock()
		order = append(order, "first:"+method)
		mu.Unlock()
	})
	s.OnNotification(func(method string, _ json.RawMessage) {
		mu.Lock()
		order = append(order, "second:"+method)
		mu.Unlock()
		close(done)
	})

	ft.push(&Message{JSONRPC: Version, Method: "notifications/progress", Params: json.RawMessage(`{}`)})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:notifications/progress", "second:notifications/progress"}, order)
}

func TestSessionPanickingHandlerIsIsolated(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)

	delivered := make(chan struct{})
	s.OnNotification(func(string, json.RawMessage) { panic("handler bug") })
	s.OnNotification(func(string, json.RawMessage) { close(delivered) })

	ft.push(&Message{JSONRPC: Version, Method: "notifications/message"})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran after the first panicked")
	}
}

func TestSessionCloseFailsPendingAndIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	s := newTestSession(t, ft)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "tools/call", nil)
		errCh <- err
	}()

	// Give the request a moment to register its pending slot.
	require.Eventually(t, func() bool {
		return len(ft.sentRequests()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was never failed on close")
	}

	// New requests after close fail fast.
	_, err := s.Request(context.Background(), "tools/list", nil)
	assert.ErrorIs(t, err, ErrTransportClosed)
}
