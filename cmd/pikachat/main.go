package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/pikachat/pikachat/internal/config"
	pikaerrors "github.com/pikachat/pikachat/internal/errors"
	"github.com/pikachat/pikachat/internal/logging"
	"github.com/pikachat/pikachat/internal/session"
	"github.com/pikachat/pikachat/internal/spool"
	"github.com/pikachat/pikachat/pika"
)

var Version = "dev"

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "reply":
			if err := writeReplyFile(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		case "nearby":
			if err := listNearby(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		case "locate":
			if err := updateLocation(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// writeReplyFile drops a background reply into the spool directory the
// way the platform notification handler would: one JSON file per reply,
// picked up by the running daemon's spool watcher. The two processes
// share nothing but the directory.
func writeReplyFile(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: pikachat reply <chatId> <content...>")
	}

	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing chat id: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.SpoolDir == "" {
		return fmt.Errorf("PIKA_SPOOL_DIR is not configured")
	}

	reply := pika.Reply{
		Content: strings.Join(args[1:], " "),
		ChatID:  chatID,
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("encoding reply: %w", err)
	}

	if err := os.MkdirAll(cfg.SpoolDir, 0o700); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}

	// Write to a temp name first so the watcher never sees a partial
	// file under the .json suffix.
	name := "reply-" + uuid.NewString()
	tmp := filepath.Join(cfg.SpoolDir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing reply file: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(cfg.SpoolDir, name+".json")); err != nil {
		return fmt.Errorf("publishing reply file: %w", err)
	}

	return nil
}

// listNearby prints the nearby-user listing for the stored identity.
func listNearby() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.Session()
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}
	if !sess.Valid() {
		return pikaerrors.ErrIdentityUnresolved
	}

	client := pika.NewClient(cfg.ServerURL, nil)
	users, err := client.NearbyUsers(context.Background(), sess.UserID)
	if err != nil {
		return err
	}

	if len(users) == 0 {
		fmt.Println("no nearby users found")
		return nil
	}

	lines := lo.Map(users, func(u pika.NearbyUser, _ int) string {
		return fmt.Sprintf("%s (#%d) - %.2f km away", u.Username, u.ID, u.Distance)
	})
	fmt.Println(strings.Join(lines, "\n"))

	return nil
}

// updateLocation reports a device position for the stored identity.
func updateLocation(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: pikachat locate <latitude> <longitude>")
	}

	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("parsing latitude: %w", err)
	}

	long, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("parsing longitude: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.Session()
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}
	if !sess.Valid() {
		return pikaerrors.ErrIdentityUnresolved
	}

	client := pika.NewClient(cfg.ServerURL, nil)

	return client.UpdateLocation(context.Background(), sess.Token, pika.LocationRequest{
		UserID:    sess.UserID,
		Latitude:  lat,
		Longitude: long,
	})
}

func openStore(cfg *config.Config) (*session.Store, error) {
	if cfg.StatePath != "" {
		return session.LoadAt(cfg.StatePath)
	}

	return session.Load()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg)
	logger.Info("pikachat starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.Int64("peer", cfg.PeerID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("loading session store: %w", err)
	}
	defer store.Close()

	client := pika.NewClient(cfg.ServerURL, nil)

	if err := ensureSession(ctx, cfg, client, store, logger); err != nil {
		return err
	}

	bridge := pika.NewNotificationBridge(client, store, logger)

	if cfg.DevicePushToken != "" {
		bridge.RegisterToken(ctx, cfg.DevicePushToken)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.SpoolDir != "" {
		watcher := spool.NewWatcher(cfg.SpoolDir, bridge, logger)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	if cfg.PeerID != 0 {
		g.Go(func() error {
			return runConversation(gctx, cfg, client, store, logger)
		})
	}

	if cfg.SpoolDir == "" && cfg.PeerID == 0 {
		logger.Warn("nothing to do: neither PIKA_SPOOL_DIR nor PIKA_PEER_ID is set")
		return nil
	}

	return g.Wait()
}

// ensureSession logs in with the configured credentials when no valid
// session is stored. The session is persisted before anything else
// reads it.
func ensureSession(ctx context.Context, cfg *config.Config, client *pika.Client, store *session.Store, logger *slog.Logger) error {
	sess, err := store.Session()
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	if sess.Valid() && !sess.TokenExpired(time.Now()) {
		logger.Info("using stored session", slog.Int64("user_id", sess.UserID))
		return nil
	}

	if cfg.Email == "" {
		return fmt.Errorf("no stored session and no credentials: %w", pikaerrors.ErrUnauthorized)
	}

	resp, err := client.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	if err := store.SetSession(session.Session{UserID: resp.UserID, Token: resp.Token}); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}

	logger.Info("logged in", slog.Int64("user_id", resp.UserID))

	return nil
}

// runConversation keeps one conversation session alive, printing merged
// messages as they arrive. The sync engine never reconnects on its own;
// this loop is the caller decision the lifecycle contract asks for,
// with jittered exponential backoff between attempts. Authentication
// loss is terminal: the stored session is cleared and the daemon exits
// rather than hammering the server with a dead token.
func runConversation(ctx context.Context, cfg *config.Config, client *pika.Client, store *session.Store, logger *slog.Logger) error {
	socket := pika.NewSocket(cfg.SocketURL, logger)
	engine := pika.NewSyncEngine(pika.SyncConfig{
		Store:   store,
		History: client,
		Socket:  socket,
	}, logger)

	updates, cancel := engine.Conversation().Subscribe()
	defer cancel()

	go printUpdates(ctx, updates, logger)

	backoff := reconnectMin

	for {
		err := engine.Run(ctx, cfg.PeerID)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, pikaerrors.ErrUnauthorized) {
			if clearErr := store.Clear(); clearErr != nil {
				logger.Warn("clearing session", slog.String("error", clearErr.Error()))
			}

			return fmt.Errorf("session invalidated: %w", err)
		}

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		logger.Warn("conversation dropped, retrying",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff+jitter),
		)

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, reconnectMax)
	}
}

// printUpdates writes each conversation snapshot's tail to stdout.
func printUpdates(ctx context.Context, updates <-chan []pika.Message, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-updates:
			if len(snapshot) == 0 {
				continue
			}

			last := snapshot[len(snapshot)-1]
			logger.Info("conversation updated",
				slog.Int("messages", len(snapshot)),
				slog.Int64("last_id", last.ID),
				slog.String("last_content", last.Content),
			)
		}
	}
}
