package pika

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	pikaerrors "github.com/pikachat/pikachat/internal/errors"
	"github.com/pikachat/pikachat/internal/session"
)

func newTestSocket() *Socket {
	return NewSocket("wss://example.test/socket", slog.Default())
}

// newJoinedSocket returns a socket already past the handshake, with the
// mock connection installed. Suitable for Listen/Send tests.
func newJoinedSocket(t *testing.T, ctrl *gomock.Controller) (*Socket, *MockWSConn) {
	t.Helper()

	mock := NewMockWSConn(ctrl)
	s := newTestSocket()
	s.conn = mock
	s.state = StateJoined
	s.token = "tok"
	s.userID = 1
	s.touchLastMessage()

	return s, mock
}

func textFrame(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return data
}

// --- handshake ---

func TestHandshake_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	s := newTestSocket()

	authFrame := textFrame(t, AuthFrame{Event: evAuthenticate, Token: "tok"})
	joinFrame := textFrame(t, JoinFrame{Event: evJoin, UserID: 7})

	mock.EXPECT().SetReadLimit(int64(wsReadLimit))
	gomock.InOrder(
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, authFrame).Return(nil),
		mock.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, textFrame(t, AckFrame{Event: evAuthenticated, UserID: 7}), nil),
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, joinFrame).Return(nil),
		mock.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, textFrame(t, AckFrame{Event: evJoined, UserID: 7}), nil),
	)

	err := s.handshake(context.Background(), mock, session.Session{UserID: 7, Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, StateJoined, s.State())
}

func TestHandshake_AuthRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	s := newTestSocket()

	mock.EXPECT().SetReadLimit(gomock.Any())
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)
	mock.EXPECT().Read(gomock.Any()).
		Return(websocket.MessageText, textFrame(t, AckFrame{Event: evError, Message: "token expired"}), nil)
	mock.EXPECT().Close(websocket.StatusNormalClosure, "auth rejected").Return(nil)

	err := s.handshake(context.Background(), mock, session.Session{UserID: 7, Token: "stale"})
	require.Error(t, err)
	assert.ErrorIs(t, err, pikaerrors.ErrUnauthorized)
	assert.ErrorContains(t, err, "token expired")
}

func TestHandshake_JoinRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	s := newTestSocket()

	mock.EXPECT().SetReadLimit(gomock.Any())
	gomock.InOrder(
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil),
		mock.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, textFrame(t, AckFrame{Event: evAuthenticated, UserID: 7}), nil),
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil),
		mock.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, textFrame(t, AckFrame{Event: evError, Message: "unknown user"}), nil),
		mock.EXPECT().Close(websocket.StatusNormalClosure, "join rejected").Return(nil),
	)

	err := s.handshake(context.Background(), mock, session.Session{UserID: 7, Token: "tok"})
	assert.ErrorIs(t, err, pikaerrors.ErrUnauthorized)
}

func TestHandshake_WriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	s := newTestSocket()

	mock.EXPECT().SetReadLimit(gomock.Any())
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		Return(fmt.Errorf("connection reset"))
	mock.EXPECT().Close(websocket.StatusInternalError, "authenticate failed").Return(nil)

	err := s.handshake(context.Background(), mock, session.Session{UserID: 7, Token: "tok"})
	assert.ErrorIs(t, err, pikaerrors.ErrTransport)
}

func TestHandshake_ReadError(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	s := newTestSocket()

	mock.EXPECT().SetReadLimit(gomock.Any())
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)
	mock.EXPECT().Read(gomock.Any()).
		Return(websocket.MessageType(0), nil, fmt.Errorf("EOF"))
	mock.EXPECT().Close(websocket.StatusInternalError, "auth read failed").Return(nil)

	err := s.handshake(context.Background(), mock, session.Session{UserID: 7, Token: "tok"})
	assert.ErrorIs(t, err, pikaerrors.ErrTransport)
}

// --- readAck ---

func TestReadAck_SkipsPongAndBinaryFrames(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	s := newTestSocket()
	s.conn = mock

	gomock.InOrder(
		mock.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, []byte(`{"event":"pong"}`), nil),
		mock.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageBinary, []byte{0x01, 0x02}, nil),
		mock.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, textFrame(t, AckFrame{Event: evAuthenticated, UserID: 7}), nil),
	)

	ack, err := s.readAck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, evAuthenticated, ack.Event)
}

func TestReadAck_MalformedJSON(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	s := newTestSocket()
	s.conn = mock

	mock.EXPECT().Read(gomock.Any()).
		Return(websocket.MessageText, []byte(`{broken`), nil)

	_, err := s.readAck(context.Background())
	assert.ErrorContains(t, err, "decoding handshake reply")
}

// --- handleInbound ---

func TestHandleInbound_PushWhileJoined(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, _ := newJoinedSocket(t, ctrl)

	pushed := Message{ID: 42, Content: "hey", SenderID: 2, ReceiverID: 1, CreatedAt: t0}
	s.handleInbound(context.Background(), textFrame(t, MessageFrame{Event: evMessage, Message: pushed}))

	select {
	case ev := <-s.Events():
		assert.Equal(t, EventMessage, ev.Kind)
		assert.Equal(t, pushed, ev.Message)
	default:
		t.Fatal("expected a message event")
	}
}

func TestHandleInbound_PushDroppedOutsideJoined(t *testing.T) {
	s := newTestSocket()
	s.state = StateAuthenticating

	pushed := Message{ID: 42, Content: "hey"}
	s.handleInbound(context.Background(), textFrame(t, MessageFrame{Event: evMessage, Message: pushed}))

	select {
	case <-s.Events():
		t.Fatal("push outside joined state must be dropped")
	default:
	}
}

func TestHandleInbound_IgnoresPongErrorAndUnknownFrames(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, _ := newJoinedSocket(t, ctrl)

	s.handleInbound(context.Background(), []byte(`{"event":"pong"}`))
	s.handleInbound(context.Background(), []byte(`{"event":"error","message":"oops"}`))
	s.handleInbound(context.Background(), []byte(`{"event":"presence"}`))
	s.handleInbound(context.Background(), []byte(`{"event":"message","message":{"id":"nope"}}`))

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event: %+v", ev)
	default:
	}
}

// --- Send ---

func TestSend_NotConnected(t *testing.T) {
	s := newTestSocket()

	err := s.Send(context.Background(), 2, "hello")
	assert.ErrorIs(t, err, pikaerrors.ErrNotConnected)
}

func TestSend_SubmitsToEventLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, _ := newJoinedSocket(t, ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Simulate the event loop draining sendCh and acking.
	go func() {
		op := <-s.sendCh
		assert.Equal(t, evSendMessage, op.frame.Event)
		assert.Equal(t, "tok", op.frame.Token)
		assert.Equal(t, int64(2), op.frame.ReceiverID)
		assert.Equal(t, "hello", op.frame.Content)
		op.result <- nil
	}()

	err := s.Send(ctx, 2, "hello")
	assert.NoError(t, err)
}

func TestSend_EventLoopReportsWriteFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, _ := newJoinedSocket(t, ctrl)

	go func() {
		op := <-s.sendCh
		op.result <- fmt.Errorf("%w: sending message: connection reset", pikaerrors.ErrTransport)
	}()

	err := s.Send(context.Background(), 2, "hello")
	assert.ErrorIs(t, err, pikaerrors.ErrTransport)
}

// --- Disconnect ---

func TestDisconnect_NeverConnected(t *testing.T) {
	s := newTestSocket()

	assert.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())
}

func TestDisconnect_Idempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, mock := newJoinedSocket(t, ctrl)

	gomock.InOrder(
		mock.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil),
		mock.EXPECT().Close(websocket.StatusNormalClosure, "bye").
			Return(fmt.Errorf("already closed")),
	)

	assert.NoError(t, s.Disconnect())
	assert.NoError(t, s.Disconnect(), "second disconnect swallows the close error")
	assert.Equal(t, StateDisconnected, s.State())
}

// --- Listen ---

func TestListen_RequiresJoinedState(t *testing.T) {
	s := newTestSocket()

	err := s.Listen(context.Background())
	assert.ErrorIs(t, err, pikaerrors.ErrNotConnected)
}

func TestListen_ConnectionDropEmitsEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, mock := newJoinedSocket(t, ctrl)

	mock.EXPECT().Read(gomock.Any()).
		Return(websocket.MessageType(0), nil, fmt.Errorf("EOF"))

	err := s.Listen(context.Background())
	require.ErrorIs(t, err, pikaerrors.ErrTransport)
	assert.Equal(t, StateDisconnected, s.State())

	select {
	case ev := <-s.Events():
		assert.Equal(t, EventDisconnected, ev.Kind)
		assert.ErrorIs(t, ev.Err, pikaerrors.ErrTransport)
	default:
		t.Fatal("expected a disconnect event")
	}
}

func TestListen_DeliversPushes(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, mock := newJoinedSocket(t, ctrl)

	pushed := Message{ID: 42, Content: "hey", SenderID: 2, ReceiverID: 1, CreatedAt: t0}
	gomock.InOrder(
		mock.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, textFrame(t, MessageFrame{Event: evMessage, Message: pushed}), nil),
		mock.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageType(0), nil, fmt.Errorf("EOF")),
	)

	err := s.Listen(context.Background())
	require.ErrorIs(t, err, pikaerrors.ErrTransport)

	ev := <-s.Events()
	assert.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, pushed, ev.Message)

	ev = <-s.Events()
	assert.Equal(t, EventDisconnected, ev.Kind)
}

func TestListen_ContextCancelIsNotADrop(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, mock := newJoinedSocket(t, ctrl)

	ctx, cancel := context.WithCancel(context.Background())

	mock.EXPECT().Read(gomock.Any()).
		DoAndReturn(func(rctx context.Context) (websocket.MessageType, []byte, error) {
			<-rctx.Done()
			return 0, nil, rctx.Err()
		}).AnyTimes()

	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}

	select {
	case ev := <-s.Events():
		t.Fatalf("cancellation must not emit a disconnect event, got %+v", ev)
	default:
	}
}

// --- eventLoop: heartbeat (synctest) ---

func TestEventLoop_SendsPingWhenIdle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		s, mock := newJoinedSocket(t, ctrl)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		mock.EXPECT().Read(gomock.Any()).
			DoAndReturn(func(rctx context.Context) (websocket.MessageType, []byte, error) {
				<-rctx.Done()
				return 0, nil, rctx.Err()
			}).AnyTimes()

		pinged := make(chan struct{})
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"event":"ping"}`)).
			DoAndReturn(func(context.Context, websocket.MessageType, []byte) error {
				close(pinged)
				return nil
			})

		done := make(chan error, 1)
		go func() { done <- s.Listen(ctx) }()

		// The first heartbeat tick fires with 20s of idle time, past the
		// 10s ping threshold but short of the disconnect cutoff.
		<-pinged
		cancel()
		<-done
	})
}

func TestEventLoop_DisconnectsAfterHeartbeatTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		s, mock := newJoinedSocket(t, ctrl)

		s.lastMsgMu.Lock()
		s.lastMessage = time.Now().Add(-disconnectAfter - time.Second)
		s.lastMsgMu.Unlock()

		mock.EXPECT().Read(gomock.Any()).
			DoAndReturn(func(rctx context.Context) (websocket.MessageType, []byte, error) {
				<-rctx.Done()
				return 0, nil, rctx.Err()
			}).AnyTimes()
		mock.EXPECT().Close(websocket.StatusGoingAway, "timeout").Return(nil)

		err := s.Listen(context.Background())
		require.ErrorIs(t, err, pikaerrors.ErrTransport)
		assert.ErrorContains(t, err, "heartbeat timeout")

		ev := <-s.Events()
		assert.Equal(t, EventDisconnected, ev.Kind)
	})
}

// --- writeJSON ---

func TestWriteJSON_MarshalError(t *testing.T) {
	ctrl := gomock.NewController(t)
	s, _ := newJoinedSocket(t, ctrl)

	// Channels cannot be marshalled to JSON.
	err := s.writeJSON(context.Background(), make(chan int))
	assert.ErrorContains(t, err, "marshalling frame")
}

// --- LifecycleState ---

func TestLifecycleState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "unknown(9)", LifecycleState(9).String())
}
