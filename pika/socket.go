package pika

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	pikaerrors "github.com/pikachat/pikachat/internal/errors"
	"github.com/pikachat/pikachat/internal/session"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	connectTimeout = 15 * time.Second
	wsReadLimit    = 1024 * 1024
)

// Socket event names on the wire.
const (
	evAuthenticate  = "authenticate"
	evAuthenticated = "authenticated"
	evJoin          = "join"
	evJoined        = "joined"
	evSendMessage   = "sendMessage"
	evMessage       = "message"
	evError         = "error"
	evPing          = "ping"
	evPong          = "pong"
)

// LifecycleState is the connection lifecycle position. Transitions run
// Disconnected -> Connecting -> Authenticating -> Joined, and any
// failure or drop lands back on Disconnected. Reconnection is always a
// caller decision; the socket never retries silently.
type LifecycleState int32

const (
	StateDisconnected LifecycleState = iota
	StateConnecting
	StateAuthenticating
	StateJoined
)

func (s LifecycleState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// EventKind discriminates socket events delivered to the consumer.
type EventKind int

const (
	// EventMessage carries one pushed message.
	EventMessage EventKind = iota

	// EventDisconnected reports an unexpected mid-session drop. The
	// error explains why; the caller decides whether to redial.
	EventDisconnected
)

// SocketEvent is one entry on the Events stream.
type SocketEvent struct {
	Kind    EventKind
	Message Message
	Err     error
}

// inboundMsg wraps a frame read from the websocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// sendOp is an outgoing send submitted to the event loop.
type sendOp struct {
	frame  SendFrame
	result chan error
}

// wsConn abstracts the websocket connection so Socket can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Socket owns one persistent connection to the push channel.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. A
// single event loop goroutine (Listen) processes inbound frames, send
// operations, and heartbeat ticks. All writes to the connection happen
// from the event loop, so no write mutex is needed.
type Socket struct {
	url    string
	logger *slog.Logger

	conn    wsConn
	token   string
	userID  int64
	state   LifecycleState
	stateMu sync.RWMutex

	// eventsCh delivers message pushes and lifecycle drops to the consumer.
	eventsCh chan SocketEvent

	// sendCh receives outgoing sends; the event loop writes them.
	sendCh chan sendOp

	// inboundCh receives frames from the reader goroutine.
	inboundCh chan inboundMsg

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel stops the reader goroutine when the connection drops.
	connCancel context.CancelFunc
}

// NewSocket creates a socket for the given websocket URL.
func NewSocket(url string, logger *slog.Logger) *Socket {
	return &Socket{
		url:      url,
		logger:   logger,
		state:    StateDisconnected,
		eventsCh: make(chan SocketEvent, 64),
		sendCh:   make(chan sendOp, 16),
	}
}

// State returns the current lifecycle state.
func (s *Socket) State() LifecycleState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.state
}

func (s *Socket) setState(st LifecycleState) {
	s.stateMu.Lock()
	prev := s.state
	s.state = st
	s.stateMu.Unlock()

	if prev != st {
		s.logger.Debug("socket state",
			slog.String("from", prev.String()),
			slog.String("to", st.String()),
		)
	}
}

// Events returns the stream of incoming message pushes and lifecycle
// drops. The stream survives a redial: after Dial succeeds again the
// same channel carries the new connection's pushes.
func (s *Socket) Events() <-chan SocketEvent {
	return s.eventsCh
}

// Dial establishes the connection and runs the authenticate/join
// handshake in strict order. On failure the state is Disconnected and
// the error wraps ErrUnauthorized (auth rejected) or ErrTransport
// (anything else).
func (s *Socket) Dial(ctx context.Context, sess session.Session) error {
	// Cancel any previous reader goroutine from a prior connection.
	if s.connCancel != nil {
		s.connCancel()
	}

	s.setState(StateConnecting)
	s.logger.Debug("connecting", slog.String("url", s.url))

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: dialing socket: %v", pikaerrors.ErrTransport, err)
	}

	if err := s.handshake(dialCtx, conn, sess); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	return nil
}

// handshake performs the post-dial authenticate/join sequence.
// Extracted from Dial so it can be tested with a mock wsConn without a
// real network connection. Reads happen directly on the connection;
// the reader goroutine is not running yet.
func (s *Socket) handshake(ctx context.Context, conn wsConn, sess session.Session) error {
	s.stateMu.Lock()
	s.conn = conn
	s.stateMu.Unlock()
	s.token = sess.Token
	s.userID = sess.UserID
	s.conn.SetReadLimit(wsReadLimit)
	s.touchLastMessage()

	s.setState(StateAuthenticating)

	auth := AuthFrame{Event: evAuthenticate, Token: sess.Token}
	if err := s.writeJSON(ctx, auth); err != nil {
		s.conn.Close(websocket.StatusInternalError, "authenticate failed")
		return fmt.Errorf("%w: sending authenticate: %v", pikaerrors.ErrTransport, err)
	}

	ack, err := s.readAck(ctx)
	if err != nil {
		s.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("%w: reading authenticate reply: %v", pikaerrors.ErrTransport, err)
	}

	if ack.Event != evAuthenticated {
		s.conn.Close(websocket.StatusNormalClosure, "auth rejected")
		return fmt.Errorf("%w: %s", pikaerrors.ErrUnauthorized, ack.Message)
	}

	// Join the local user's own delivery channel, never the peer's, so
	// delivery addressed to this user arrives regardless of which
	// conversation is open.
	join := JoinFrame{Event: evJoin, UserID: sess.UserID}
	if err := s.writeJSON(ctx, join); err != nil {
		s.conn.Close(websocket.StatusInternalError, "join failed")
		return fmt.Errorf("%w: sending join: %v", pikaerrors.ErrTransport, err)
	}

	ack, err = s.readAck(ctx)
	if err != nil {
		s.conn.Close(websocket.StatusInternalError, "join read failed")
		return fmt.Errorf("%w: reading join reply: %v", pikaerrors.ErrTransport, err)
	}

	if ack.Event != evJoined {
		s.conn.Close(websocket.StatusNormalClosure, "join rejected")
		return fmt.Errorf("%w: join rejected: %s", pikaerrors.ErrUnauthorized, ack.Message)
	}

	s.setState(StateJoined)
	s.logger.Info("socket joined", slog.Int64("user_id", sess.UserID))

	return nil
}

// readAck reads handshake replies directly from the connection,
// skipping pongs. Message pushes cannot arrive here: the server only
// routes pushes after the join ack.
func (s *Socket) readAck(ctx context.Context) (AckFrame, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return AckFrame{}, err
		}
		s.touchLastMessage()

		if typ != websocket.MessageText {
			s.logger.Debug("unexpected binary frame during handshake", slog.Int("bytes", len(data)))
			continue
		}

		if gjson.GetBytes(data, "event").Str == evPong {
			continue
		}

		var ack AckFrame
		if err := json.Unmarshal(data, &ack); err != nil {
			return AckFrame{}, fmt.Errorf("decoding handshake reply: %w", err)
		}

		return ack, nil
	}
}

// startReader launches a goroutine that reads from the websocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch by value so that if startReader is called
// again for a new connection, the old goroutine cannot send stale
// frames into the new channel.
func (s *Socket) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	s.inboundCh = ch
	go func() {
		for {
			typ, data, err := s.conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Listen runs the event loop for the current connection. It owns all
// writes. Returns when the context is cancelled or the connection
// drops; a drop transitions to Disconnected and is reported on the
// Events stream as an event, never as a panic from in-flight sends.
// Listen does not reconnect: redialing is the caller's decision so that
// authentication loss is never masked by a silent retry loop.
func (s *Socket) Listen(ctx context.Context) error {
	if s.State() != StateJoined {
		return pikaerrors.ErrNotConnected
	}

	connCtx, connCancel := context.WithCancel(ctx)
	s.connCancel = connCancel
	defer connCancel()

	s.startReader(connCtx)

	err := s.eventLoop(ctx)

	s.setState(StateDisconnected)

	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.emit(ctx, SocketEvent{Kind: EventDisconnected, Err: err})

	return err
}

func (s *Socket) eventLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("%w: reading frame: %v", pikaerrors.ErrTransport, msg.err)
			}
			s.touchLastMessage()

			if msg.typ != websocket.MessageText {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			s.handleInbound(ctx, msg.data)

		case op := <-s.sendCh:
			err := s.writeJSON(ctx, op.frame)
			if err != nil {
				err = fmt.Errorf("%w: sending message: %v", pikaerrors.ErrTransport, err)
			}
			op.result <- err
			if err != nil {
				// Write failure means the connection is dead.
				return err
			}

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("connection timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("%w: heartbeat timeout", pikaerrors.ErrTransport)
			}

			if elapsed > pingAfter {
				if err := s.writeJSON(ctx, map[string]string{"event": evPing}); err != nil {
					return fmt.Errorf("%w: sending ping: %v", pikaerrors.ErrTransport, err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleInbound processes a single inbound text frame from the server.
func (s *Socket) handleInbound(ctx context.Context, data []byte) {
	switch gjson.GetBytes(data, "event").Str {
	case evPong:
		return

	case evMessage:
		// Pushes are only expected while Joined. Anything else means a
		// confused server or a stale frame; drop rather than trust it.
		if s.State() != StateJoined {
			s.logger.Debug("dropping push outside joined state")
			return
		}

		var frame MessageFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("failed to decode message push", slog.String("error", err.Error()))
			return
		}

		s.emit(ctx, SocketEvent{Kind: EventMessage, Message: frame.Message})

	case evError:
		s.logger.Warn("server error frame", slog.String("message", gjson.GetBytes(data, "message").Str))

	default:
		s.logger.Debug("unexpected frame", slog.String("event", gjson.GetBytes(data, "event").Str))
	}
}

func (s *Socket) emit(ctx context.Context, ev SocketEvent) {
	select {
	case s.eventsCh <- ev:
	case <-ctx.Done():
	}
}

// Send transmits an outgoing message over the socket, fire and forget.
// The server assigns the id and timestamp and fans the message back out
// on the push channel; nothing is inserted locally here. Returns
// ErrNotConnected when the socket is not in the Joined state.
func (s *Socket) Send(ctx context.Context, receiverID int64, content string) error {
	if s.State() != StateJoined {
		return pikaerrors.ErrNotConnected
	}

	op := sendOp{
		frame: SendFrame{
			Event:      evSendMessage,
			Token:      s.token,
			ReceiverID: receiverID,
			Content:    content,
		},
		result: make(chan error, 1),
	}

	select {
	case s.sendCh <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection. Idempotent and safe to call from
// any state; closing an already-closed or never-opened socket is a
// no-op.
func (s *Socket) Disconnect() error {
	if s.connCancel != nil {
		s.connCancel()
	}

	s.stateMu.Lock()
	conn := s.conn
	s.state = StateDisconnected
	s.stateMu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
			// Already closed, or closed underneath us. Either way the
			// connection is down, which is what was asked for.
			s.logger.Debug("closing socket", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (s *Socket) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

// writeJSON marshals v to JSON and writes it as a text frame.
// Only called from the event loop or during the handshake (before
// Listen starts).
func (s *Socket) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return s.conn.Write(ctx, websocket.MessageText, data)
}
