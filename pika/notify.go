package pika

import (
	"context"
	"fmt"
	"log/slog"

	pikaerrors "github.com/pikachat/pikachat/internal/errors"
	"github.com/pikachat/pikachat/internal/session"
)

// Reply is a quick reply composed from a system notification while no
// foreground conversation session exists. The fields mirror the
// notification payload: ChatID identifies the peer the notification was
// about, which becomes the receiver of the reply.
type Reply struct {
	Content string `json:"content"`
	ChatID  int64  `json:"chatId"`
}

// NotificationBridge registers the device push token and submits
// background replies over request/response. It deliberately never talks
// to the sync engine: the background process and any live session are
// two producers writing to the same authoritative server store, and the
// merge dedup makes the eventual push or re-fetch of a reply converge
// in whichever conversation view later opens.
type NotificationBridge struct {
	api    *Client
	store  *session.Store
	logger *slog.Logger
}

// NewNotificationBridge creates a bridge over the given API client and
// session store.
func NewNotificationBridge(api *Client, store *session.Store, logger *slog.Logger) *NotificationBridge {
	return &NotificationBridge{
		api:    api,
		store:  store,
		logger: logger,
	}
}

// RegisterToken posts the device push token for the stored identity.
// Safe to call on every app start. Push delivery is a best-effort
// enhancement, so failures are logged, never surfaced to the user.
func (b *NotificationBridge) RegisterToken(ctx context.Context, deviceToken string) {
	sess, err := b.store.Session()
	if err != nil || !sess.Valid() {
		b.logger.Debug("push token registration skipped, no identity")
		return
	}

	if err := b.api.RegisterPushToken(ctx, sess.UserID, deviceToken); err != nil {
		b.logger.Warn("push token registration failed", slog.String("error", err.Error()))
		return
	}

	if err := b.store.SetDeviceToken(deviceToken); err != nil {
		b.logger.Warn("persisting device token failed", slog.String("error", err.Error()))
	}

	b.logger.Info("push token registered", slog.Int64("user_id", sess.UserID))
}

// SubmitBackgroundReply posts a quick reply over request/response. The
// local identity is resolved fresh from the session store on every call:
// no in-memory state survives into the background process. When the
// identity cannot be resolved the reply is dropped before any network
// call and ErrIdentityUnresolved is returned; no retry is attempted.
func (b *NotificationBridge) SubmitBackgroundReply(ctx context.Context, reply Reply) error {
	content, err := normalizeContent(reply.Content)
	if err != nil {
		return err
	}

	sess, sessErr := b.store.Session()
	if sessErr != nil || !sess.Valid() {
		b.logger.Warn("background reply dropped, identity unresolved")
		return pikaerrors.ErrIdentityUnresolved
	}

	// Same shape as a normal send, plus the explicit sender id since
	// the server has no live session to infer it from.
	req := SendMessageRequest{
		Content:    content,
		ReceiverID: reply.ChatID,
		SenderID:   sess.UserID,
	}

	if _, err := b.api.SendMessage(ctx, req); err != nil {
		return fmt.Errorf("submitting background reply: %w", err)
	}

	b.logger.Info("background reply submitted",
		slog.Int64("sender", sess.UserID),
		slog.Int64("receiver", reply.ChatID),
	)

	return nil
}
