package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"mirador/internal/domain"
	"mirador/internal/infra/config"
	"mirador/internal/usecase/eventbus"
	"mirador/internal/usecase/sessionlock"
)

const testToken = "test-token"

type testHarness struct {
	srv  *Server
	bus  *eventbus.Bus
	addr string
}

// startTestServer boots a full gateway on an ephemeral port. mutateCfg and
// preStart may be nil.
func startTestServer(t *testing.T, mutateCfg func(*config.Config), preStart func(*Server)) *testHarness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Server.Port = 0
	if mutateCfg != nil {
		mutateCfg(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seq := eventbus.NewSequenceAllocator()
	replay := eventbus.NewReplayBuffer(cfg.Replay.Capacity, cfg.Replay.TTL, cfg.Replay.SweepInterval, logger)
	bus := eventbus.New(seq, replay, cfg.Bus.QueueCapacity, logger)
	locks := sessionlock.NewManager(filepath.Join(t.TempDir(), "session.lock"), logger)

	srv := NewServer(cfg.Server, bus, replay, seq, locks, newStaticTokenVerifier(testToken), logger)
	if preStart != nil {
		preStart(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Start(ctx); err != nil {
			t.Errorf("server exited: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		bus.Close()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return &testHarness{srv: srv, bus: bus, addr: srv.BoundAddr()}
}

func (h *testHarness) wsURL(query string) string {
	u := "ws://" + h.addr + "/ws?token=" + testToken
	if query != "" {
		u += "&" + query
	}
	return u
}

func dialWS(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// awaitEventFrame reads frames until one matches the wanted event type,
// skipping heartbeats and unrelated events.
func awaitEventFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, want domain.EventType) ServerFrame {
	t.Helper()
	for {
		var frame ServerFrame
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		if frame.Type == ServerFrameEvent && frame.EventType == want {
			return frame
		}
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	h := startTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+h.addr+"/ws?token=wrong", nil)
	require.NoError(t, err, "upgrade completes before the token check")

	var frame ServerFrame
	err = wsjson.Read(ctx, conn, &frame)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestHandshakeRejectsDisallowedOrigin(t *testing.T) {
	h := startTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, h.wsURL(""), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.example"}},
	})
	require.Error(t, err)
}

func TestConnectionCap(t *testing.T) {
	h := startTestServer(t, func(cfg *config.Config) {
		cfg.Server.MaxConnections = 1
	}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialWS(t, ctx, h.wsURL("client_id=first"))
	require.Eventually(t, func() bool { return h.srv.ConnectionCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	over, _, err := websocket.Dial(ctx, h.wsURL("client_id=second"), nil)
	require.NoError(t, err)
	var frame ServerFrame
	err = wsjson.Read(ctx, over, &frame)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestEventDelivery(t *testing.T) {
	h := startTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, h.wsURL("client_id=viewer"))

	h.bus.Publish(ctx, domain.Event{
		Type:   domain.EventChatMessageSent,
		Source: domain.SourceUser,
		Data:   map[string]any{"content": "hello"},
	})

	frame := awaitEventFrame(t, ctx, conn, domain.EventChatMessageSent)
	assert.Equal(t, "hello", frame.Data["content"])
	assert.Equal(t, domain.SourceUser, frame.Source)
	assert.Greater(t, frame.Sequence, int64(0))
	require.NotNil(t, frame.Timestamp)
}

func TestPingPong(t *testing.T) {
	h := startTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, h.wsURL("client_id=pinger"))

	require.NoError(t, wsjson.Write(ctx, conn, ClientFrame{Type: ClientFramePing}))

	for {
		var frame ServerFrame
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		if frame.Type == ServerFramePong {
			return
		}
	}
}

func TestSubscribeFilters(t *testing.T) {
	h := startTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, h.wsURL("client_id=chatty"))

	require.NoError(t, wsjson.Write(ctx, conn, ClientFrame{
		Type:       ClientFrameSubscribe,
		EventTypes: []domain.EventType{domain.EventChatMessageSent},
	}))
	// The read loop handles frames in order, so a pong confirms the filter
	// change landed before we publish.
	require.NoError(t, wsjson.Write(ctx, conn, ClientFrame{Type: ClientFramePing}))
	for {
		var frame ServerFrame
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		if frame.Type == ServerFramePong {
			break
		}
	}

	h.bus.Publish(ctx, domain.Event{Type: domain.EventFileModified, Source: domain.SourceUser})
	h.bus.Publish(ctx, domain.Event{
		Type:   domain.EventChatMessageSent,
		Source: domain.SourceUser,
		Data:   map[string]any{"content": "filtered in"},
	})

	for {
		var frame ServerFrame
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		if frame.EventType == domain.EventFileModified {
			t.Fatal("the file event must not pass the filter")
		}
		if frame.EventType == domain.EventChatMessageSent {
			assert.Equal(t, "filtered in", frame.Data["content"])
			return
		}
	}
}

func TestReconnectReplaysMissedEvents(t *testing.T) {
	h := startTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, h.wsURL("client_id=comeback"))

	h.bus.Publish(ctx, domain.Event{Type: domain.EventTaskCreated, Source: domain.SourceUser})
	seen := awaitEventFrame(t, ctx, conn, domain.EventTaskCreated)
	lastSeq := seen.Sequence

	conn.Close(websocket.StatusNormalClosure, "")

	// Events published while disconnected land in the replay buffer.
	h.bus.Publish(ctx, domain.Event{
		Type:   domain.EventTaskUpdated,
		Source: domain.SourceAgent,
		Data:   map[string]any{"task_id": "t-9"},
	})
	h.bus.Publish(ctx, domain.Event{Type: domain.EventTaskMoved, Source: domain.SourceAgent})

	reconn := dialWS(t, ctx, h.wsURL("client_id=comeback&last_sequence="+
		frameSeqString(lastSeq)))

	var first, second ServerFrame
	require.NoError(t, wsjson.Read(ctx, reconn, &first))
	require.NoError(t, wsjson.Read(ctx, reconn, &second))

	assert.Equal(t, domain.EventTaskUpdated, first.EventType)
	assert.Equal(t, lastSeq+1, first.Sequence)
	assert.Equal(t, domain.EventTaskMoved, second.EventType)
	assert.Equal(t, lastSeq+2, second.Sequence)

	// Live delivery resumes after the flush without replaying duplicates.
	h.bus.Publish(ctx, domain.Event{Type: domain.EventGitCommit, Source: domain.SourceAgent})
	live := awaitEventFrame(t, ctx, reconn, domain.EventGitCommit)
	assert.Greater(t, live.Sequence, second.Sequence)
}

func TestReconnectWithInvalidLastSequence(t *testing.T) {
	h := startTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, h.wsURL("last_sequence=banana"), nil)
	require.NoError(t, err)
	var frame ServerFrame
	err = wsjson.Read(ctx, conn, &frame)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestConnectedEventAnnouncesClient(t *testing.T) {
	h := startTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watcher := dialWS(t, ctx, h.wsURL("client_id=watcher"))
	// The watcher sees its own announcement first.
	own := awaitEventFrame(t, ctx, watcher, domain.EventSystemConnected)
	assert.Equal(t, "watcher", own.Data["client_id"])

	dialWS(t, ctx, h.wsURL("client_id=late"))
	frame := awaitEventFrame(t, ctx, watcher, domain.EventSystemConnected)
	assert.Equal(t, "late", frame.Data["client_id"])
}

func TestStopClosesConnections(t *testing.T) {
	h := startTestServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, h.wsURL("client_id=doomed"))
	require.NoError(t, h.srv.Stop(context.Background()))

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	for {
		var frame ServerFrame
		if err := wsjson.Read(readCtx, conn, &frame); err != nil {
			assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
			return
		}
	}
}

func frameSeqString(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

func TestConnectionCountExcludesReservedSlots(t *testing.T) {
	cfg := config.Defaults()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seq := eventbus.NewSequenceAllocator()
	bus := eventbus.New(seq, nil, cfg.Bus.QueueCapacity, logger)
	srv := NewServer(cfg.Server, bus, nil, seq, nil, newStaticTokenVerifier(testToken), logger)

	id, ok := srv.reserveSlot()
	require.True(t, ok)
	assert.Equal(t, 0, srv.ConnectionCount(), "a mid-handshake reservation is not a connection")

	cc := &clientConn{clientID: "c", cancel: func() {}}
	cc.sub = bus.Subscribe("c", nil)
	srv.trackConn(id, cc)
	assert.Equal(t, 1, srv.ConnectionCount())

	srv.teardown(id, cc)
	assert.Equal(t, 0, srv.ConnectionCount())
}
