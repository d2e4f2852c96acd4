package pika

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	pikaerrors "github.com/pikachat/pikachat/internal/errors"
	"github.com/pikachat/pikachat/internal/session"
)

// defaultFetchTimeout bounds the one-shot history fetch.
const defaultFetchTimeout = 30 * time.Second

// HistoryFetcher retrieves the message backlog for a conversation.
// *Client satisfies this interface.
type HistoryFetcher interface {
	Messages(ctx context.Context, key ConversationKey, token string) ([]Message, error)
}

// PushSocket is the persistent push channel the engine consumes.
// *Socket satisfies this interface.
type PushSocket interface {
	Dial(ctx context.Context, sess session.Session) error
	Listen(ctx context.Context) error
	Events() <-chan SocketEvent
	Send(ctx context.Context, receiverID int64, content string) error
	Disconnect() error
}

// SyncEngine merges the one-shot history fetch and the live push stream
// into one ordered, deduplicated conversation view. The history seed
// and concurrently arriving pushes go through the same merge, so any
// interleaving of the two channels converges on the sort of their union
// with duplicate ids removed.
type SyncEngine struct {
	store   *session.Store
	history HistoryFetcher
	socket  PushSocket
	conv    *Conversation
	logger  *slog.Logger

	fetchTimeout time.Duration

	// key scopes the running conversation. Guarded because Send can be
	// called from the UI goroutine while Run owns the session.
	key   ConversationKey
	keyMu sync.RWMutex
}

// SyncConfig holds the collaborators a SyncEngine needs.
type SyncConfig struct {
	Store   *session.Store
	History HistoryFetcher
	Socket  PushSocket

	// FetchTimeout bounds the history fetch. Zero means 30s.
	FetchTimeout time.Duration
}

// NewSyncEngine creates an engine with an empty conversation view.
func NewSyncEngine(cfg SyncConfig, logger *slog.Logger) *SyncEngine {
	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = defaultFetchTimeout
	}

	return &SyncEngine{
		store:        cfg.Store,
		history:      cfg.History,
		socket:       cfg.Socket,
		conv:         NewConversation(),
		logger:       logger,
		fetchTimeout: timeout,
	}
}

// Conversation returns the view this engine writes. The presentation
// layer reads snapshots or subscribes; only the engine mutates it.
func (e *SyncEngine) Conversation() *Conversation {
	return e.conv
}

// Run opens a conversation with the given peer and blocks until the
// context is cancelled, the connection drops, or an error surfaces.
//
// The session is re-read from the store on every call: external
// invalidation (logout, another device) must take effect on the next
// conversation, so no in-memory copy is authoritative. A missing or
// expired token returns ErrUnauthorized without touching the network.
//
// The history fetch and the push stream start together; the shared
// conversation view makes their merge safe under any interleaving. A
// fetch failure surfaces here and leaves the view empty rather than
// partially populated. An ErrUnauthorized return is the session-invalid
// signal: the caller clears the store and re-authenticates instead of
// retrying the same token.
func (e *SyncEngine) Run(ctx context.Context, peerID int64) error {
	sess, err := e.store.Session()
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	if !sess.Valid() || sess.TokenExpired(time.Now()) {
		return fmt.Errorf("opening conversation: %w", pikaerrors.ErrUnauthorized)
	}

	if err := e.store.SetActivePeer(peerID); err != nil {
		return fmt.Errorf("persisting active peer: %w", err)
	}

	key := ConversationKey{LocalUserID: sess.UserID, PeerID: peerID}
	e.keyMu.Lock()
	e.key = key
	e.keyMu.Unlock()

	defer e.socket.Disconnect()

	g, gctx := errgroup.WithContext(ctx)

	// Connect and fetch run in parallel; the shared merge makes any
	// completion order safe.
	g.Go(func() error {
		if err := e.socket.Dial(gctx, sess); err != nil {
			return fmt.Errorf("opening push channel: %w", err)
		}

		return e.socket.Listen(gctx)
	})

	g.Go(func() error {
		return e.consumePushes(gctx, key)
	})

	g.Go(func() error {
		return e.seedHistory(gctx, key, sess.Token)
	})

	return g.Wait()
}

// seedHistory fetches the backlog and merges it into the view. Pushes
// that arrived before the fetch completed are already in the view; the
// merge unions rather than replaces, so nothing is lost or duplicated.
func (e *SyncEngine) seedHistory(ctx context.Context, key ConversationKey, token string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	msgs, err := e.history.Messages(fetchCtx, key, token)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}

	added := e.conv.merge(msgs)
	e.logger.Info("history seeded",
		slog.Int("fetched", len(msgs)),
		slog.Int("added", added),
	)

	return nil
}

// consumePushes merges live pushes into the view until the stream
// reports a drop or the context ends. Pushes for other conversations
// are skipped: the join is scoped to the local user, so traffic from
// any peer can arrive here.
func (e *SyncEngine) consumePushes(ctx context.Context, key ConversationKey) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-e.socket.Events():
			switch ev.Kind {
			case EventMessage:
				if !inConversation(ev.Message, key) {
					e.logger.Debug("push for another conversation",
						slog.Int64("sender", ev.Message.SenderID),
						slog.Int64("receiver", ev.Message.ReceiverID),
					)
					continue
				}

				if e.conv.merge([]Message{ev.Message}) == 0 {
					e.logger.Debug("duplicate push discarded", slog.Int64("id", ev.Message.ID))
				}

			case EventDisconnected:
				return fmt.Errorf("push channel dropped: %w", ev.Err)
			}
		}
	}
}

// inConversation reports whether a message belongs to the conversation,
// in either direction.
func inConversation(m Message, key ConversationKey) bool {
	return (m.SenderID == key.LocalUserID && m.ReceiverID == key.PeerID) ||
		(m.SenderID == key.PeerID && m.ReceiverID == key.LocalUserID)
}

// Send validates and transmits an outgoing message to the active peer.
// Nothing is inserted into the conversation view here: the message
// appears only once the server assigns it an id and fans it back out on
// the push channel, so the client never displays a message under a
// client-generated identity.
func (e *SyncEngine) Send(ctx context.Context, content string) error {
	content, err := normalizeContent(content)
	if err != nil {
		return err
	}

	e.keyMu.RLock()
	peerID := e.key.PeerID
	e.keyMu.RUnlock()

	if err := e.socket.Send(ctx, peerID, content); err != nil {
		return fmt.Errorf("sending: %w", err)
	}

	return nil
}

// normalizeContent trims and NFC-normalizes outgoing text, rejecting
// content that is empty after the trim before any network call.
func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", pikaerrors.ErrEmptyContent
	}

	return norm.NFC.String(content), nil
}
