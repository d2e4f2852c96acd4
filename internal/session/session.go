package session

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.pikachat/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the session database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket  = []byte("session")
	sessionKey     = []byte("current")
	deviceTokenKey = []byte("device_token")
)

// Session is the durable identity triple. Every component re-reads it
// from the store at the start of a conversation or reconnect; nothing
// caches it authoritatively in memory.
type Session struct {
	UserID       int64  `json:"userId"`
	Token        string `json:"token"`
	ActivePeerID int64  `json:"activePeerId"`
}

// Valid reports whether the session carries a usable identity.
func (s Session) Valid() bool {
	return s.UserID != 0 && s.Token != ""
}

// TokenExpired reports whether the session token is a JWT whose exp
// claim has passed. The token is parsed without signature verification:
// the server remains the authority on validity, this only saves a round
// trip that is guaranteed to come back 401. Tokens that are not JWTs or
// carry no exp claim are assumed live.
func (s Session) TokenExpired(now time.Time) bool {
	if s.Token == "" {
		return true
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(s.Token, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}

	return exp.Before(now)
}

// Store wraps a bbolt database holding the persisted session state.
type Store struct {
	db *bolt.DB
}

// Load opens the session database at ~/.pikachat/session.db, creating it
// if it does not exist.
func Load() (*Store, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a session database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing session db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session returns the stored session. A zero Session (Valid() == false)
// means nobody is logged in.
func (s *Store) Session() (Session, error) {
	var sess Session

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &sess)
	})
	if err != nil {
		return Session{}, fmt.Errorf("reading session: %w", err)
	}

	return sess, nil
}

// SetSession persists the session. The write is committed before this
// returns, so a crash immediately after login cannot lose the identity.
func (s *Store) SetSession(sess Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return tx.Bucket(sessionBucket).Put(sessionKey, data)
	})
}

// SetActivePeer updates only the active peer id, preserving identity.
func (s *Store) SetActivePeer(peerID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)

		sess := Session{}
		if v := b.Get(sessionKey); v != nil {
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
		}

		sess.ActivePeerID = peerID

		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return b.Put(sessionKey, data)
	})
}

// Clear removes the stored session. Called on explicit logout and when
// the server reports the token as unauthorized.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(sessionKey)
	})
}

// DeviceToken returns the registered device push token, or empty string.
func (s *Store) DeviceToken() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(deviceTokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetDeviceToken persists the device push token.
func (s *Store) SetDeviceToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(deviceTokenKey, []byte(token))
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where the database (containing session tokens) might end up with
		// wrong permissions or inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".pikachat", "session.db")
}
