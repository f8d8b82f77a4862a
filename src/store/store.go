package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"propex/src/events"
)

// EventLog is the durable, append-only order/trade event log backed by pebble.
// Every accepted order and executed trade is appended (synced) before the
// client is acknowledged; on restart the book, ledger reservations, and open
// orders are rebuilt by replaying the log in append order.
type EventLog struct {
	db        *pebble.DB
	nextIdx   atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

const eventKeyPrefix = "e/"

func eventKey(idx uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventKeyPrefix, idx))
}

// Open opens (or creates) the log at dir and positions the append index after
// the last stored entry.
func Open(dir string) (*EventLog, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open event log at %s", dir)
	}

	l := &EventLog{db: db}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(eventKeyPrefix),
		UpperBound: []byte(eventKeyPrefix + "~"),
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "open event log iterator")
	}
	if iter.Last() {
		var idx uint64
		if _, err := fmt.Sscanf(string(iter.Key()), eventKeyPrefix+"%d", &idx); err == nil {
			l.nextIdx.Store(idx + 1)
		}
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "close event log iterator")
	}

	return l, nil
}

// Append durably writes one event and returns its global append index. The
// write is synced: once Append returns, the event survives a crash.
func (l *EventLog) Append(e events.Event) (uint64, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, errors.Wrap(err, "marshal event")
	}
	idx := l.nextIdx.Add(1) - 1
	if err := l.db.Set(eventKey(idx), data, pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "append event %d", idx)
	}
	return idx, nil
}

// Replay streams all stored events in append order. fn returning an error
// stops the replay.
func (l *EventLog) Replay(fn func(events.Event) error) error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(eventKeyPrefix),
		UpperBound: []byte(eventKeyPrefix + "~"),
	})
	if err != nil {
		return errors.Wrap(err, "open replay iterator")
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var e events.Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return errors.Wrapf(err, "decode event at %s", iter.Key())
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Len reports the number of appended events.
func (l *EventLog) Len() uint64 {
	return l.nextIdx.Load()
}

// Close is idempotent: the log is shared between the lifecycle manager's
// shutdown and the process shutdown path, and pebble does not tolerate a
// second Close.
func (l *EventLog) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.db.Close() })
	return l.closeErr
}
