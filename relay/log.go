package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/sqlwatch/encoding"
	"github.com/rs/zerolog/log"
)

// Key layout
const (
	prefixEvent  = "/relay/event/"  // /relay/event/{16-hex-digit seq}
	prefixCursor = "/relay/cursor/" // /relay/cursor/{sink}
	keyNextSeq   = "/relay/seq"     // last assigned sequence
)

const (
	memTableSize             = 16 << 20
	maxConcurrentCompactions = 2

	defaultReadLimit = 100
	cleanupEvery     = 0x3F // Trim once every 64 cursor positions
)

var errLogClosed = errors.New("relay log is closed")

// Log is a durable, append-only event log with one cursor per sink.
// Entries below every cursor are trimmed in the background.
type Log struct {
	db    *pebble.DB
	path  string
	codec *encoding.Codec

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	lastSeq atomic.Uint64

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenLog opens or creates the relay log at path. Event values are written
// at the given zstd level; entries written at any level remain readable.
func OpenLog(path string, compression int) (*Log, error) {
	codec, err := encoding.NewCodec(compression)
	if err != nil {
		return nil, err
	}

	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:             memTableSize,
		MaxConcurrentCompactions: func() int { return maxConcurrentCompactions },
	})
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("failed to open relay log at %s: %w", path, err)
	}

	l := &Log{
		db:      db,
		path:    path,
		codec:   codec,
		cursors: make(map[string]uint64),
	}

	if err := l.loadLastSeq(); err != nil {
		l.closeStorage()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := l.loadCursors(); err != nil {
		l.closeStorage()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return l, nil
}

func (l *Log) loadLastSeq() error {
	val, closer, err := l.db.Get([]byte(keyNextSeq))
	if errors.Is(err, pebble.ErrNotFound) {
		l.lastSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	seq, err := decodeUint64(val)
	if err != nil {
		return err
	}
	l.lastSeq.Store(seq)
	return nil
}

func (l *Log) loadCursors() error {
	prefix := []byte(prefixCursor)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		cursor, err := decodeUint64(val)
		if err != nil {
			return fmt.Errorf("corrupted cursor for sink %s: %w", name, err)
		}
		l.cursors[name] = cursor
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(l.cursors) > 0 {
		log.Info().Int("cursors", len(l.cursors)).Msg("Loaded relay log cursors")
	}
	return nil
}

// LastSeq returns the highest assigned sequence number
func (l *Log) LastSeq() uint64 {
	return l.lastSeq.Load()
}

// Append stores events in one batch and assigns their sequence numbers.
// The slice is modified in place.
func (l *Log) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if l.closed.Load() {
		return errLogClosed
	}

	seq := l.lastSeq.Load()

	batch := l.db.NewBatch()
	defer batch.Close()

	for i := range events {
		seq++
		events[i].SeqNum = seq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set(eventKey(seq), l.codec.Encode(val), nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	if err := batch.Set([]byte(keyNextSeq), encodeUint64(seq), nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	l.lastSeq.Store(seq)
	return nil
}

// ReadFrom returns up to limit events with a sequence greater than cursor
func (l *Log) ReadFrom(cursor uint64, limit int) ([]Event, error) {
	if l.closed.Load() {
		return nil, errLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	start := eventKey(cursor + 1)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event Event
		raw, err := l.codec.Decode(val)
		if err == nil {
			err = encoding.Unmarshal(raw, &event)
		}
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping unreadable relay event")
			continue
		}
		events = append(events, event)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return events, nil
}

// Cursor returns the last sequence sinkName has processed, 0 for a new sink
func (l *Log) Cursor(sinkName string) (uint64, error) {
	if l.closed.Load() {
		return 0, errLogClosed
	}

	l.cursorsMu.RLock()
	defer l.cursorsMu.RUnlock()
	return l.cursors[sinkName], nil
}

// AdvanceCursor persists the sink's position and periodically trims the log
func (l *Log) AdvanceCursor(sinkName string, seq uint64) error {
	if l.closed.Load() {
		return errLogClosed
	}

	l.cursorsMu.Lock()
	l.cursors[sinkName] = seq
	l.cursorsMu.Unlock()

	if err := l.db.Set([]byte(prefixCursor+sinkName), encodeUint64(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupEvery == 0 && l.cleanupRunning.CompareAndSwap(false, true) {
		l.cleanupWg.Add(1)
		go func() {
			defer l.cleanupWg.Done()
			defer l.cleanupRunning.Store(false)
			l.cleanup()
		}()
	}

	return nil
}

// cleanup deletes entries every sink has moved past
func (l *Log) cleanup() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()

	if l.closed.Load() {
		return
	}

	l.cursorsMu.RLock()
	if len(l.cursors) == 0 {
		l.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, c := range l.cursors {
		if c < minCursor {
			minCursor = c
		}
	}
	l.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// DeleteRange's end is exclusive: the event at minCursor itself goes too
	if err := l.db.DeleteRange([]byte(prefixEvent), eventKey(minCursor+1), pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to trim relay log")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Trimmed relay log")
}

// Close closes the log after in-flight cleanup finishes
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return errLogClosed
	}
	l.cleanupWg.Wait()
	return l.closeStorage()
}

func (l *Log) closeStorage() error {
	l.codec.Close()
	return l.db.Close()
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixEvent, seq))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid value length: %d", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
