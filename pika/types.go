package pika

import "time"

// Message is a single chat message as stored by the server. Its identity
// is the server-assigned ID: two messages with the same ID are the same
// logical event no matter which channel delivered them.
type Message struct {
	ID         int64     `json:"id"`
	Content    string    `json:"content"`
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// less orders messages by (createdAt, id) ascending. CreatedAt is the
// server's authoritative timestamp; the ID tiebreak keeps the order total.
func (m Message) less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}

	return m.ID < other.ID
}

// ConversationKey scopes one conversation to a (local user, peer) pair.
type ConversationKey struct {
	LocalUserID int64
	PeerID      int64
}

// NearbyUser is one entry from the nearby-users listing.
type NearbyUser struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Distance float64 `json:"distance"`
}

// LoginRequest is the payload for POST /login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned from POST /login and POST /register.
type LoginResponse struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token"`
}

// SignupRequest is the payload for POST /register.
type SignupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SendMessageRequest is the payload for POST /messages. The explicit
// SenderID exists for the background-reply path, which has no live
// session for the server to infer the sender from.
type SendMessageRequest struct {
	Content    string `json:"content"`
	ReceiverID int64  `json:"receiverId"`
	SenderID   int64  `json:"senderId"`
}

// PushTokenRequest is the payload for POST /update-push-token.
type PushTokenRequest struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token"`
}

// LocationRequest is the payload for POST /update-location.
type LocationRequest struct {
	UserID    int64   `json:"userId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// APIError represents an error response body from the chat API.
type APIError struct {
	Error string `json:"error"`
}

// Socket frame types. Every frame is a JSON text frame with an "event"
// discriminator.

// AuthFrame is sent as the first frame after the socket connects.
type AuthFrame struct {
	Event string `json:"event"`
	Token string `json:"token"`
}

// JoinFrame subscribes the local user to their own delivery channel.
// Joining is scoped to the local identity, not the peer, so delivery
// addressed to this user arrives regardless of which conversation is open.
type JoinFrame struct {
	Event  string `json:"event"`
	UserID int64  `json:"userId"`
}

// AckFrame is the server reply to authenticate and join frames.
type AckFrame struct {
	Event   string `json:"event"`
	UserID  int64  `json:"userId"`
	Message string `json:"message"`
}

// SendFrame transmits an outgoing message over the socket. The server
// assigns the ID and timestamp and fans the message back out on the
// push channel; the client never inserts it locally before that.
type SendFrame struct {
	Event      string `json:"event"`
	Token      string `json:"token"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
}

// MessageFrame carries one pushed message from the server.
type MessageFrame struct {
	Event   string  `json:"event"`
	Message Message `json:"message"`
}
