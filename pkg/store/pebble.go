package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"threadrelay/pkg/logger"
	"threadrelay/pkg/models"
)

// ErrUnavailable wraps storage-layer failures; callers should treat
// operations failing with it as retryable.
var ErrUnavailable = errors.New("thread store unavailable")

// ErrNotFound is returned when a thread meta record does not exist.
var ErrNotFound = errors.New("thread not found")

// Store is the durable thread history. It owns a Pebble DB and the
// per-thread sequence counters; all mutation goes through Append and
// MarkSeen. A Store is safe for concurrent use.
type Store struct {
	db   *pebble.DB
	path string

	// seqMu guards nextSeq. Held only for counter assignment, never
	// across DB writes.
	seqMu   sync.Mutex
	nextSeq map[string]int64
}

// Key layout:
//   threadmeta:<id>                thread metadata JSON
//   thread:<id>:msg:<seq %020d>    message JSON, seq-ordered
//   thread:<id>:seen:<dedup key>   dedup marker (value: receive ts)
//
// Meta records live under their own prefix so listing them never has to
// classify keys structurally; ids and dedup keys are caller-supplied and
// may themselves contain ":" sequences.

const metaPrefix = "threadmeta:"

func metaKey(threadID string) []byte {
	return []byte(metaPrefix + threadID)
}

func msgKey(threadID string, seq int64) []byte {
	return []byte(fmt.Sprintf("thread:%s:msg:%020d", threadID, seq))
}

func seenKey(threadID, dedupKey string) []byte {
	return []byte("thread:" + threadID + ":seen:" + dedupKey)
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_store", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("store_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Store{db: db, path: path, nextSeq: make(map[string]int64)}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("store_closed", "path", s.path)
	return nil
}

// Ready reports whether the store is opened.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// Append adds a message to a thread, assigning the next sequence number.
// Sequence numbers are strictly increasing per thread and never reused;
// concurrent appends to the same thread get distinct seqs. The thread's
// meta record is created on first append and its last_activity refreshed
// on every append.
func (s *Store) Append(threadID string, msg models.Message) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("%w: store not opened", ErrUnavailable)
	}
	seq, err := s.claimSeq(threadID)
	if err != nil {
		return 0, err
	}
	msg.Thread = threadID
	msg.Seq = seq
	if msg.TS == 0 {
		msg.TS = time.Now().UTC().UnixNano()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.db.Set(msgKey(threadID, seq), data, pebble.Sync); err != nil {
		logger.Error("append_failed", "thread", threadID, "seq", seq, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.touchThread(threadID, msg.TS); err != nil {
		return 0, err
	}
	logger.Debug("message_appended", "thread", threadID, "seq", seq, "role", msg.Role)
	return seq, nil
}

// claimSeq reserves the next sequence number for threadID, recovering the
// counter from disk on the first claim after open.
func (s *Store) claimSeq(threadID string) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	next, ok := s.nextSeq[threadID]
	if !ok {
		last, err := s.lastSeq(threadID)
		if err != nil {
			return 0, err
		}
		next = last + 1
	}
	s.nextSeq[threadID] = next + 1
	return next, nil
}

// lastSeq scans for the highest stored seq in a thread (0 if none).
func (s *Store) lastSeq(threadID string) (int64, error) {
	prefix := []byte("thread:" + threadID + ":msg:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	raw := bytes.TrimPrefix(iter.Key(), prefix)
	seq, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil {
		return 0, fmt.Errorf("corrupt message key %q: %w", iter.Key(), perr)
	}
	return seq, iter.Error()
}

// History returns all messages for a thread in seq order. Unknown threads
// yield an empty slice.
func (s *Store) History(threadID string) ([]models.Message, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: store not opened", ErrUnavailable)
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()
	out := []models.Message{}
	for iter.First(); iter.Valid(); iter.Next() {
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message JSON at %q: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// HasSeen reports whether a dedup key was already marked for the thread.
func (s *Store) HasSeen(threadID, dedupKey string) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("%w: store not opened", ErrUnavailable)
	}
	_, closer, err := s.db.Get(seenKey(threadID, dedupKey))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if closer != nil {
		_ = closer.Close()
	}
	return true, nil
}

// MarkSeen records a dedup key for the thread. Keys only accumulate; they
// are removed together with the whole thread by retention.
func (s *Store) MarkSeen(threadID, dedupKey string) error {
	if s.db == nil {
		return fmt.Errorf("%w: store not opened", ErrUnavailable)
	}
	v := strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
	if err := s.db.Set(seenKey(threadID, dedupKey), []byte(v), pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetThread returns the meta record for a thread.
func (s *Store) GetThread(threadID string) (models.Thread, error) {
	var th models.Thread
	if s.db == nil {
		return th, fmt.Errorf("%w: store not opened", ErrUnavailable)
	}
	v, closer, err := s.db.Get(metaKey(threadID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return th, ErrNotFound
		}
		return th, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &th); err != nil {
		return th, fmt.Errorf("invalid thread metadata: %w", err)
	}
	return th, nil
}

// SaveThread stores a thread meta record.
func (s *Store) SaveThread(th models.Thread) error {
	if s.db == nil {
		return fmt.Errorf("%w: store not opened", ErrUnavailable)
	}
	b, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	if err := s.db.Set(metaKey(th.ID), b, pebble.Sync); err != nil {
		logger.Error("save_thread_failed", "thread", th.ID, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// touchThread creates the meta record on first use and refreshes
// last_activity.
func (s *Store) touchThread(threadID string, ts int64) error {
	th, err := s.GetThread(threadID)
	if errors.Is(err, ErrNotFound) {
		th = models.Thread{ID: threadID, CreatedTS: ts}
	} else if err != nil {
		return err
	}
	if ts > th.LastActivity {
		th.LastActivity = ts
	}
	return s.SaveThread(th)
}

// SetThreadChannel records the delivery channel on the thread meta, keeping
// other fields intact. Missing threads are created.
func (s *Store) SetThreadChannel(threadID, channel string) error {
	th, err := s.GetThread(threadID)
	if errors.Is(err, ErrNotFound) {
		th = models.Thread{ID: threadID, CreatedTS: time.Now().UTC().UnixNano()}
	} else if err != nil {
		return err
	}
	if th.Channel == channel {
		return nil
	}
	th.Channel = channel
	return s.SaveThread(th)
}

// ListThreads returns all thread meta records.
func (s *Store) ListThreads() ([]models.Thread, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: store not opened", ErrUnavailable)
	}
	prefix := []byte(metaPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()
	out := []models.Thread{}
	for iter.First(); iter.Valid(); iter.Next() {
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			return nil, fmt.Errorf("invalid thread metadata at %q: %w", iter.Key(), err)
		}
		out = append(out, th)
	}
	return out, iter.Error()
}

// DeleteThread removes a thread entirely: meta, messages and dedup
// markers. Only the retention runner calls this; history never shrinks
// any other way.
func (s *Store) DeleteThread(threadID string) error {
	if s.db == nil {
		return fmt.Errorf("%w: store not opened", ErrUnavailable)
	}
	prefix := []byte("thread:" + threadID + ":")
	if err := s.db.DeleteRange(prefix, keyUpperBound(prefix), pebble.Sync); err != nil {
		logger.Error("delete_thread_failed", "thread", threadID, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := s.db.Delete(metaKey(threadID), pebble.Sync); err != nil {
		logger.Error("delete_thread_failed", "thread", threadID, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.seqMu.Lock()
	delete(s.nextSeq, threadID)
	s.seqMu.Unlock()
	logger.Info("thread_deleted", "thread", threadID)
	return nil
}
