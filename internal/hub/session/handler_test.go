package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podpilot/podpilot/internal/hub/agentmgr"
	"github.com/podpilot/podpilot/internal/protocol"
	"github.com/podpilot/podpilot/internal/util/testutil"
)

type fakeStore struct {
	mu         sync.Mutex
	agentID    uuid.UUID
	resolveErr error
	resolved   []*protocol.Register
	touched    int
}

func (f *fakeStore) ResolveAgent(_ context.Context, reg *protocol.Register) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return uuid.Nil, f.resolveErr
	}
	f.resolved = append(f.resolved, reg)
	return f.agentID, nil
}

func (f *fakeStore) TouchLastSeen(_ context.Context, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched++
	return nil
}

func (f *fakeStore) resolveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resolved)
}

func (f *fakeStore) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touched
}

func newTestRegister() *protocol.Register {
	return &protocol.Register{
		CorrelationID:      uuid.New(),
		Provider:           protocol.ProviderVastAI,
		ProviderInstanceID: "vast-12345",
		Hostname:           "node-1",
		GPUInfo:            protocol.GPUInfo{Name: "RTX 4090", MemoryGB: 24, CUDAVersion: "12.4"},
		TailscaleIP:        netip.MustParseAddr("100.64.0.5"),
		AgentVersion:       "0.1.0",
	}
}

func dialSession(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func sendAgentMessage(t *testing.T, ws *websocket.Conn, msg protocol.AgentMessage) {
	t.Helper()
	data, err := protocol.EncodeAgentMessage(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
}

func readHubMessage(t *testing.T, ws *websocket.Conn) protocol.HubMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := ws.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)
	msg, err := protocol.DecodeHubMessage(data)
	require.NoError(t, err)
	return msg
}

func newTestHandler(store *fakeStore) (*Handler, *agentmgr.Manager) {
	registry := agentmgr.New()
	return NewHandler(store, registry, "0.1.0-test"), registry
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRegistrationHandshake(t *testing.T) {
	store := &fakeStore{agentID: uuid.New()}
	handler, registry := newTestHandler(store)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws := dialSession(t, wsURL(srv))
	reg := newTestRegister()
	sendAgentMessage(t, ws, reg)

	msg := readHubMessage(t, ws)
	ack, ok := msg.(*protocol.RegisterAck)
	require.True(t, ok, "expected register_ack, got %T", msg)
	assert.Equal(t, reg.CorrelationID, ack.CorrelationID)
	assert.Equal(t, store.agentID, ack.AgentID)
	assert.Equal(t, "0.1.0-test", ack.HubVersion)
	assert.False(t, ack.RegisteredAt.IsZero())

	testutil.RequireEventually(t, func() bool {
		return registry.IsConnected(store.agentID)
	}, "agent never entered the registry")
	assert.Equal(t, 1, store.resolveCount())
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	store := &fakeStore{agentID: uuid.New()}
	handler, registry := newTestHandler(store)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws := dialSession(t, wsURL(srv))
	sendAgentMessage(t, ws, &protocol.HeartbeatAck{
		CorrelationID: uuid.New(),
		Timestamp:     time.Now().UTC(),
	})

	// The hub closes the socket without resolving an identity.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.Equal(t, 0, store.resolveCount())
	assert.Equal(t, 0, registry.Count())
}

func TestUnknownFirstFrameGetsErrorReply(t *testing.T) {
	store := &fakeStore{agentID: uuid.New()}
	handler, _ := newTestHandler(store)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws := dialSession(t, wsURL(srv))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"teleport"}`)))

	msg := readHubMessage(t, ws)
	errMsg, ok := msg.(*protocol.Error)
	require.True(t, ok, "expected error, got %T", msg)
	assert.Equal(t, protocol.CodeUnknownMessage, errMsg.Code)
	assert.Contains(t, errMsg.Message, "teleport")
	assert.Equal(t, 0, store.resolveCount())
}

func TestResolveFailureGetsErrorReply(t *testing.T) {
	store := &fakeStore{resolveErr: errors.New("connection refused")}
	handler, _ := newTestHandler(store)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws := dialSession(t, wsURL(srv))
	reg := newTestRegister()
	sendAgentMessage(t, ws, reg)

	msg := readHubMessage(t, ws)
	errMsg, ok := msg.(*protocol.Error)
	require.True(t, ok, "expected error, got %T", msg)
	assert.Equal(t, protocol.CodeRegistrationFailed, errMsg.Code)
	require.NotNil(t, errMsg.CorrelationID)
	assert.Equal(t, reg.CorrelationID, *errMsg.CorrelationID)
}

func TestHeartbeatAckTouchesLastSeen(t *testing.T) {
	store := &fakeStore{agentID: uuid.New()}
	handler, _ := newTestHandler(store)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws := dialSession(t, wsURL(srv))
	sendAgentMessage(t, ws, newTestRegister())
	readHubMessage(t, ws) // register_ack

	sendAgentMessage(t, ws, &protocol.HeartbeatAck{
		CorrelationID: uuid.New(),
		Timestamp:     time.Now().UTC(),
	})

	testutil.RequireEventually(t, func() bool {
		return store.touchCount() == 1
	}, "heartbeat ack never touched last_seen_at")
}

func TestDuplicateRegisterIgnored(t *testing.T) {
	store := &fakeStore{agentID: uuid.New()}
	handler, registry := newTestHandler(store)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws := dialSession(t, wsURL(srv))
	sendAgentMessage(t, ws, newTestRegister())
	readHubMessage(t, ws) // register_ack

	sendAgentMessage(t, ws, newTestRegister())

	// The session stays up and still acks heartbeats.
	sendAgentMessage(t, ws, &protocol.HeartbeatAck{
		CorrelationID: uuid.New(),
		Timestamp:     time.Now().UTC(),
	})
	testutil.RequireEventually(t, func() bool {
		return store.touchCount() == 1
	}, "session died after duplicate register")
	assert.Equal(t, 1, store.resolveCount())
	assert.True(t, registry.IsConnected(store.agentID))
}

func TestQueuedMessagesReachAgent(t *testing.T) {
	store := &fakeStore{agentID: uuid.New()}
	handler, registry := newTestHandler(store)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws := dialSession(t, wsURL(srv))
	sendAgentMessage(t, ws, newTestRegister())
	readHubMessage(t, ws) // register_ack

	testutil.RequireEventually(t, func() bool {
		return registry.IsConnected(store.agentID)
	}, "agent never entered the registry")

	sent := &protocol.Heartbeat{
		CorrelationID: uuid.New(),
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		Sequence:      1,
	}
	require.NoError(t, registry.Send(store.agentID, sent))

	msg := readHubMessage(t, ws)
	hb, ok := msg.(*protocol.Heartbeat)
	require.True(t, ok, "expected heartbeat, got %T", msg)
	assert.Equal(t, sent.CorrelationID, hb.CorrelationID)
	assert.Equal(t, uint64(1), hb.Sequence)
	assert.True(t, sent.Timestamp.Equal(hb.Timestamp))
}

func TestCleanCloseUnregisters(t *testing.T) {
	store := &fakeStore{agentID: uuid.New()}
	handler, registry := newTestHandler(store)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws := dialSession(t, wsURL(srv))
	sendAgentMessage(t, ws, newTestRegister())
	readHubMessage(t, ws) // register_ack

	testutil.RequireEventually(t, func() bool {
		return registry.IsConnected(store.agentID)
	}, "agent never entered the registry")

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "shutting down"))

	testutil.RequireEventually(t, func() bool {
		return !registry.IsConnected(store.agentID)
	}, "agent never left the registry")
}

func TestBinaryFramesIgnored(t *testing.T) {
	store := &fakeStore{agentID: uuid.New()}
	handler, _ := newTestHandler(store)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	ws := dialSession(t, wsURL(srv))
	sendAgentMessage(t, ws, newTestRegister())
	readHubMessage(t, ws) // register_ack

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := json.Marshal(map[string]string{"type": "heartbeat_ack"})
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageBinary, payload))

	// Binary frames are dropped, so last_seen_at stays untouched and
	// the session keeps working.
	sendAgentMessage(t, ws, &protocol.HeartbeatAck{
		CorrelationID: uuid.New(),
		Timestamp:     time.Now().UTC(),
	})
	testutil.RequireEventually(t, func() bool {
		return store.touchCount() == 1
	}, "session died after binary frame")
}
