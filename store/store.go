// Package store persists accounts, chats and messages in a pebble database.
//
// Key layout:
//
//	acct/<username>                   account
//	chat/<chatID>                     chat
//	dm/<userA>/<userB>                one-to-one chat id, users sorted
//	msg/<chatID>/<seq>                message, seq zero padded to 20 digits
//	mid/<messageID>                   message key
//	cid/<chatID>/<sender>/<clientID>  message id written with that client id
//	meta/seq                          last sequence and createdAt
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("not a participant")
	ErrInvalid   = errors.New("invalid request")
	ErrConflict  = errors.New("already exists")
)

var metaSeqKey = []byte("meta/seq")

// Options configures Open.
type Options struct {
	// FS overrides the filesystem, vfs.NewMem() in tests.
	FS     vfs.FS
	Logger *slog.Logger
}

// Store is safe for concurrent use. Writes that read before they write are
// serialized by mu.
type Store struct {
	db  *pebble.DB
	log *slog.Logger
	now func() time.Time

	mu          sync.Mutex
	seq         uint64
	lastCreated time.Time
}

// Open opens or creates the database in dir.
func Open(dir string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	popts := &pebble.Options{}
	if opts.FS != nil {
		popts.FS = opts.FS
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	s := &Store{
		db:  db,
		log: opts.Logger.With("component", "store"),
		now: time.Now,
	}
	if err := s.loadMeta(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("store opened", "dir", dir, "seq", s.seq)
	return s, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadMeta() error {
	v, ok, err := s.get(metaSeqKey)
	if err != nil || !ok {
		return err
	}
	if len(v) != 16 {
		return fmt.Errorf("corrupt %s: %d bytes", metaSeqKey, len(v))
	}
	s.seq = binary.BigEndian.Uint64(v[:8])
	s.lastCreated = time.Unix(0, int64(binary.BigEndian.Uint64(v[8:]))).UTC()
	return nil
}

func (s *Store) encodeMeta() []byte {
	v := make([]byte, 16)
	binary.BigEndian.PutUint64(v[:8], s.seq)
	binary.BigEndian.PutUint64(v[8:], uint64(s.lastCreated.UnixNano()))
	return v
}

// nextStamp returns the next sequence and a createdAt that never goes
// backwards. Callers hold mu and must persist encodeMeta with the write.
func (s *Store) nextStamp() (uint64, time.Time) {
	s.seq++
	t := s.now().UTC()
	if t.Before(s.lastCreated) {
		t = s.lastCreated
	}
	s.lastCreated = t
	return s.seq, t
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, true, nil
}

func (s *Store) getJSON(key []byte, v any) (bool, error) {
	data, ok, err := s.get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Set(key, data, nil)
}

// scan calls fn for each key under prefix in ascending order until fn
// returns false.
func (s *Store) scan(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

// Counts is the number of records of each kind.
type Counts struct {
	Accounts int
	Chats    int
	Messages int
}

// Counts walks the keyspace and counts records.
func (s *Store) Counts() (Counts, error) {
	var c Counts
	count := func(prefix string, n *int) error {
		return s.scan([]byte(prefix), func(_, _ []byte) (bool, error) {
			*n++
			return true, nil
		})
	}
	if err := count("acct/", &c.Accounts); err != nil {
		return c, err
	}
	if err := count("chat/", &c.Chats); err != nil {
		return c, err
	}
	if err := count("msg/", &c.Messages); err != nil {
		return c, err
	}
	return c, nil
}
