// Package repositories holds the badger-backed default implementations of
// the gateway's persistence contracts: the replay buffer, the user and
// membership directory, and the chat message store.
package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"crewlink/domain"
	"crewlink/domain/event"
)

// ReplayBuffer retains recently broadcast envelopes per room so a client
// resuming after a drop can ask for the window it missed. Entries carry a
// badger TTL; expiry is the database's job, not a sweeper's.
type ReplayBuffer struct {
	db        *badger.DB
	log       *slog.Logger
	retention time.Duration
}

func NewReplayBuffer(db *badger.DB, log *slog.Logger, retention time.Duration) *ReplayBuffer {
	return &ReplayBuffer{db: db, log: log, retention: retention}
}

// replayKey formats "evt:{room}:{timestamp_padded}:{event_id}".
// The 19-digit zero padding makes lexicographic order chronological, and
// the event id disambiguates two envelopes in the same nanosecond. The
// same envelope stored twice (bus redelivery) lands on the same key.
func replayKey(room domain.RoomID, at time.Time, eventID string) []byte {
	return []byte(fmt.Sprintf("evt:%s:%019d:%s", room, at.UnixNano(), eventID))
}

func replayPrefix(room domain.RoomID) []byte {
	return []byte(fmt.Sprintf("evt:%s:", room))
}

func (r *ReplayBuffer) Store(_ context.Context, env event.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	key := replayKey(env.Room, env.PublishedAt, env.Event.ID)

	return r.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, value).WithTTL(r.retention)
		return txn.SetEntry(entry)
	})
}

// EventsSince scans one room's window forward from the seek position, so
// the result is oldest-first and capped at limit. Thanks to the padded
// timestamp in the key no sorting is needed.
func (r *ReplayBuffer) EventsSince(_ context.Context, room domain.RoomID, since time.Time, limit int) ([]event.Envelope, error) {
	var raw [][]byte

	err := r.db.View(func(txn *badger.Txn) error {
		prefix := replayPrefix(room)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		seekKey := []byte(fmt.Sprintf("evt:%s:%019d", room, since.UnixNano()))
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(raw) == limit {
				r.log.Debug(fmt.Sprintf("Maximum of %d replay events reached", limit))
				break
			}
			err := it.Item().Value(func(value []byte) error {
				buf := make([]byte, len(value))
				copy(buf, value)
				raw = append(raw, buf)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	envs := make([]event.Envelope, 0, len(raw))
	for _, b := range raw {
		var env event.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			r.log.Warn("Undecodable replay entry skipped", "room", room, "error", err)
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}
