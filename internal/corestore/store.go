// Package corestore provides SQLite-backed append-only logs ("cores").
//
// A core is named by an ed25519 public key. Every block is signed by the
// matching private key, so blocks received from any peer can be verified
// before they are stored. Cores created locally by name are writable; cores
// opened by public key are read-only replicas that grow through PutVerified.
package corestore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"golang.org/x/crypto/blake2b"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
)

var log = logging.Logger("sdn-corestore")

// Store errors.
var (
	ErrStoreClosed       = errors.New("core store is closed")
	ErrCoreClosed        = errors.New("core is closed")
	ErrNotWritable       = errors.New("core is not writable")
	ErrBlockNotAvailable = errors.New("block not available")
	ErrInvalidSignature  = errors.New("invalid block signature")
	ErrOutOfOrder        = errors.New("block is out of order")
)

const primaryKeySetting = "primary_key"

// Store owns the database and every open core.
type Store struct {
	db   *sql.DB
	path string
	seed []byte

	mu     sync.Mutex
	cores  map[string]*Core
	wants  observers[func(*Core)]
	closed bool
}

// Open opens or creates a store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dbPath := filepath.Join(dir, "cores.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:    db,
		path:  dbPath,
		cores: make(map[string]*Core),
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	if s.seed, err = s.loadOrCreateSeed(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load primary key: %w", err)
	}

	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value BLOB
	);

	CREATE TABLE IF NOT EXISTS cores (
		public_key BLOB PRIMARY KEY,
		name TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS blocks (
		public_key BLOB NOT NULL,
		seq INTEGER NOT NULL,
		data BLOB NOT NULL,
		signature BLOB NOT NULL,
		PRIMARY KEY (public_key, seq)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) loadOrCreateSeed() ([]byte, error) {
	var seed []byte
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, primaryKeySetting).Scan(&seed)
	if err == nil && len(seed) == ed25519.SeedSize {
		return seed, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, primaryKeySetting, seed); err != nil {
		return nil, err
	}

	log.Infof("Generated new primary key for %s", s.path)
	return seed, nil
}

// CreateKeyPair derives a key pair from the store's primary key and name.
// The same name always yields the same key pair for a given store.
func (s *Store) CreateKeyPair(name string) (crypto.PrivKey, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrStoreClosed
	}

	h, err := blake2b.New256(s.seed)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(name))

	priv := ed25519.NewKeyFromSeed(h.Sum(nil))
	return crypto.UnmarshalEd25519PrivateKey(priv)
}

// Get returns a session on the core with the given public key.
// The core must be made ready before use.
func (s *Store) Get(publicKey []byte) (*Core, error) {
	if len(publicKey) != coreid.KeySize {
		return nil, coreid.ErrInvalidKey
	}
	pub, err := crypto.UnmarshalEd25519PublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return s.session(publicKey, pub, nil)
}

// GetNamed returns a writable core whose key pair is derived from name.
func (s *Store) GetNamed(name string) (*Core, error) {
	priv, err := s.CreateKeyPair("core@" + name)
	if err != nil {
		return nil, err
	}
	publicKey, err := priv.GetPublic().Raw()
	if err != nil {
		return nil, err
	}

	c, err := s.session(publicKey, priv.GetPublic(), priv)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`INSERT OR IGNORE INTO cores (public_key, name) VALUES (?, ?)`, publicKey, name); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to record core: %w", err)
	}
	return c, nil
}

func (s *Store) session(publicKey []byte, pub crypto.PubKey, priv crypto.PrivKey) (*Core, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	id := hex.EncodeToString(publicKey)
	if c, ok := s.cores[id]; ok {
		c.refs++
		if priv != nil && c.priv == nil {
			c.priv = priv
		}
		return c, nil
	}

	c := newCore(s, publicKey, pub, priv)
	c.refs = 1
	s.cores[id] = c
	return c, nil
}

func (s *Store) release(c *Core) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.refs == 0 {
		return false
	}
	c.refs--
	if c.refs > 0 {
		return false
	}
	delete(s.cores, hex.EncodeToString(c.key))
	return true
}

// FindByDiscoveryKey returns an open core announced under discoveryKey.
func (s *Store) FindByDiscoveryKey(discoveryKey []byte) *Core {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.cores {
		if string(c.discoveryKey) == string(discoveryKey) {
			return c
		}
	}
	return nil
}

// Cores returns every open core.
func (s *Store) Cores() []*Core {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Core, 0, len(s.cores))
	for _, c := range s.cores {
		out = append(out, c)
	}
	return out
}

// OnWant registers fn to be called whenever a core requests a full download.
func (s *Store) OnWant(fn func(*Core)) func() {
	return s.wants.add(fn)
}

// Named lists the names of writable cores created in this store.
func (s *Store) Named(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT public_key, name FROM cores WHERE name IS NOT NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key []byte
		var name string
		if err := rows.Scan(&key, &name); err != nil {
			return nil, err
		}
		out[name] = coreid.Encode(key)
	}
	return out, rows.Err()
}

// Close closes the database. Open cores fail on further I/O.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, c := range s.cores {
		c.markClosed()
	}
	s.cores = make(map[string]*Core)
	s.mu.Unlock()

	return s.db.Close()
}

// observers is a set of callbacks with unregister support.
type observers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]T
}

func (o *observers[T]) add(fn T) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.fns == nil {
		o.fns = make(map[int]T)
	}
	id := o.next
	o.next++
	o.fns[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

func (o *observers[T]) snapshot() []T {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]T, 0, len(o.fns))
	for _, fn := range o.fns {
		out = append(out, fn)
	}
	return out
}
