// Package list implements the declarative seed list: a keyindex whose
// entries describe the resources a seeder should track, plus two metadata
// keys carrying the peer allow-list and the list owner's public key.
package list

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/multiformats/go-varint"

	"github.com/spacedatanetwork/sdn-seeder/internal/coreid"
	"github.com/spacedatanetwork/sdn-seeder/internal/corestore"
	"github.com/spacedatanetwork/sdn-seeder/internal/keyindex"
)

var log = logging.Logger("sdn-list")

// Types that may appear in a list.
var Types = []string{"core", "bee", "drive"}

// ErrInvalidType is returned for entries whose type is not in Types.
var ErrInvalidType = errors.New("invalid type")

// ErrBadMetadata is returned when a metadata value is present but cannot be
// decoded.
var ErrBadMetadata = errors.New("undecodable list metadata")

// key prefixes
const (
	prefixEntry    byte = 0x00
	prefixMetadata byte = 0x01
)

// Metadata keys.
const (
	MetaAllowedPeers = "allowed-peers"
	MetaPublicKey    = "public-key"
)

// Value is the desired state of one resource.
type Value struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Seeders     bool   `json:"seeders"`
}

// Entry is a list record keyed by canonical core id.
type Entry struct {
	Seq   uint64
	Key   string
	Value Value
}

// Patch changes selected fields of a Value.
type Patch struct {
	Type        *string
	Description *string
	Seeders     *bool
}

// List is the declarative list of resources.
type List struct {
	index *keyindex.Index
}

// Open opens the list stored in core.
func Open(ctx context.Context, core *corestore.Core) (*List, error) {
	index, err := keyindex.Open(ctx, core, keyindex.Options{})
	if err != nil {
		return nil, err
	}
	return &List{index: index}, nil
}

// namePrefix marks store-named cores that hold a local list.
const namePrefix = "list@"

// OpenNamed opens the writable list called name in store, creating it on
// first use.
func OpenNamed(ctx context.Context, store *corestore.Store, name string) (*List, error) {
	core, err := store.GetNamed(namePrefix + name)
	if err != nil {
		return nil, err
	}
	l, err := Open(ctx, core)
	if err != nil {
		core.Close()
		return nil, err
	}
	return l, nil
}

// Named returns the ids of the local lists in store, keyed by name.
func Named(ctx context.Context, store *corestore.Store) (map[string]string, error) {
	all, err := store.Named(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for name, id := range all {
		if strings.HasPrefix(name, namePrefix) {
			out[strings.TrimPrefix(name, namePrefix)] = id
		}
	}
	return out, nil
}

// ValidType reports whether t may appear in a list.
func ValidType(t string) bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// Core returns the underlying core.
func (l *List) Core() *corestore.Core { return l.index.Core() }

// Version returns the list version; unchanged puts do not bump it.
func (l *List) Version() uint64 { return l.index.Version() }

// Put stores v under key unless the stored value has the same type,
// description and seeders flag. It reports whether a block was written.
func (l *List) Put(ctx context.Context, key string, v Value) (bool, error) {
	k, err := coreid.Decode(key)
	if err != nil {
		return false, err
	}
	if !ValidType(v.Type) {
		return false, fmt.Errorf("%w: %s", ErrInvalidType, v.Type)
	}

	changed, err := l.index.Put(ctx, entryKey(k), encodeValue(v), keyindex.PutOptions{CAS: changedValue})
	if err != nil {
		return false, err
	}
	if changed {
		log.Debugf("Put %s %s", v.Type, coreid.Encode(k))
	}
	return changed, nil
}

// Update applies patch on top of e and stores the result.
func (l *List) Update(ctx context.Context, e Entry, patch Patch) (bool, error) {
	v := e.Value
	if patch.Type != nil {
		v.Type = *patch.Type
	}
	if patch.Description != nil {
		v.Description = *patch.Description
	}
	if patch.Seeders != nil {
		v.Seeders = *patch.Seeders
	}
	return l.Put(ctx, e.Key, v)
}

// Get returns the value stored under key.
func (l *List) Get(key string) (Value, bool, error) {
	k, err := coreid.Decode(key)
	if err != nil {
		return Value{}, false, err
	}
	e, ok := l.index.Get(entryKey(k))
	if !ok {
		return Value{}, false, nil
	}
	v, err := decodeValue(e.Value)
	return v, err == nil, err
}

// Del removes key from the list.
func (l *List) Del(ctx context.Context, key string) error {
	k, err := coreid.Decode(key)
	if err != nil {
		return err
	}
	return l.index.Del(ctx, entryKey(k))
}

// Entries returns the entries of type t, or all entries if t is empty.
func (l *List) Entries(t string) []Entry {
	return l.Snapshot().Entries(t)
}

// AllowedPeers returns the allow-list, or nil when the list is unrestricted.
func (l *List) AllowedPeers() ([]string, error) {
	return l.Snapshot().AllowedPeers()
}

// SetAllowedPeers replaces the allow-list. Passing nil removes the
// restriction; an empty, non-nil slice denies everyone.
func (l *List) SetAllowedPeers(ctx context.Context, peers []string) error {
	if peers == nil {
		return l.index.Del(ctx, metaKey(MetaAllowedPeers))
	}

	normalized := NormalizePeers(peers)
	data, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	_, err = l.index.Put(ctx, metaKey(MetaAllowedPeers), data, keyindex.PutOptions{CAS: changedBytes})
	return err
}

// PublicKey returns the announced public key of the list owner.
func (l *List) PublicKey() (string, error) {
	return l.Snapshot().PublicKey()
}

// SetPublicKey announces the list owner's public key.
func (l *List) SetPublicKey(ctx context.Context, publicKey string) error {
	data, err := json.Marshal(publicKey)
	if err != nil {
		return err
	}
	_, err = l.index.Put(ctx, metaKey(MetaPublicKey), data, keyindex.PutOptions{CAS: changedBytes})
	return err
}

// Snapshot returns a consistent view of the list.
func (l *List) Snapshot() *Snapshot {
	return &Snapshot{snap: l.index.Snapshot()}
}

// Watch notifies after every change to the list, local or replicated.
func (l *List) Watch() (<-chan struct{}, func()) {
	return l.index.Watch()
}

// Close releases the list core.
func (l *List) Close() error {
	return l.index.Close()
}

// Snapshot is an immutable view of a list.
type Snapshot struct {
	snap *keyindex.Snapshot
}

// Version is the list version at snapshot time.
func (s *Snapshot) Version() uint64 { return s.snap.Version() }

// Entries returns the entries of type t in key order, or all entries if t is
// empty. Undecodable records are skipped.
func (s *Snapshot) Entries(t string) []Entry {
	var out []Entry
	it := s.snap.Range([]byte{prefixEntry})
	for it.Next() {
		e := it.Entry()
		if len(e.Key) != 1+coreid.KeySize {
			continue
		}
		v, err := decodeValue(e.Value)
		if err != nil {
			log.Warnf("Skipping undecodable list entry at seq %d: %v", e.Seq, err)
			continue
		}
		if t != "" && v.Type != t {
			continue
		}
		out = append(out, Entry{
			Seq:   e.Seq,
			Key:   coreid.Encode(e.Key[1:]),
			Value: v,
		})
	}
	return out
}

// AllowedPeers returns the allow-list, or nil when none is set. A value that
// is present but undecodable yields ErrBadMetadata, never nil.
func (s *Snapshot) AllowedPeers() ([]string, error) {
	e, ok := s.snap.Get(metaKey(MetaAllowedPeers))
	if !ok {
		return nil, nil
	}
	var peers []string
	if err := json.Unmarshal(e.Value, &peers); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", MetaAllowedPeers, ErrBadMetadata, err)
	}
	if peers == nil {
		peers = []string{}
	}
	return peers, nil
}

// PublicKey returns the announced public key, or "" when none is set.
func (s *Snapshot) PublicKey() (string, error) {
	e, ok := s.snap.Get(metaKey(MetaPublicKey))
	if !ok {
		return "", nil
	}
	var key string
	if err := json.Unmarshal(e.Value, &key); err != nil {
		return "", fmt.Errorf("%s: %w: %v", MetaPublicKey, ErrBadMetadata, err)
	}
	return key, nil
}

// NormalizePeers lower-cases hex peer identities and drops duplicates,
// keeping first-seen order.
func NormalizePeers(peers []string) []string {
	out := make([]string, 0, len(peers))
	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func entryKey(k []byte) []byte {
	return append([]byte{prefixEntry}, k...)
}

func metaKey(name string) []byte {
	return append([]byte{prefixMetadata}, name...)
}

func changedValue(prev, next keyindex.Entry) bool {
	a, err := decodeValue(prev.Value)
	if err != nil {
		return true
	}
	b, err := decodeValue(next.Value)
	if err != nil {
		return true
	}
	return a.Type != b.Type || a.Description != b.Description || a.Seeders != b.Seeders
}

func changedBytes(prev, next keyindex.Entry) bool {
	return !bytes.Equal(prev.Value, next.Value)
}

func encodeValue(v Value) []byte {
	var buf bytes.Buffer
	writeString(&buf, v.Type)
	writeString(&buf, v.Description)
	if v.Seeders {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func decodeValue(data []byte) (Value, error) {
	r := bytes.NewReader(data)
	var v Value
	var err error
	if v.Type, err = readString(r); err != nil {
		return Value{}, err
	}
	if v.Description, err = readString(r); err != nil {
		return Value{}, err
	}
	b, err := r.ReadByte()
	if err != nil {
		return Value{}, fmt.Errorf("missing seeders flag: %w", err)
	}
	v.Seeders = b == 1
	return v, nil
}

func writeString(buf *bytes.Buffer, s string) {
	buf.Write(varint.ToUvarint(uint64(len(s))))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("string length %d exceeds value", n)
	}
	b := make([]byte, n)
	r.Read(b)
	return string(b), nil
}
