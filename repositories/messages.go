package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"crewlink/domain"
)

// MessageStore persists delivered chat messages. The history service owns
// querying and search; the gateway only appends, so reads here stop at
// the channel tail used by the inspect tooling.
type MessageStore struct {
	db    *badger.DB
	log   *slog.Logger
	limit int
}

func NewMessageStore(db *badger.DB, log *slog.Logger, limit int) *MessageStore {
	return &MessageStore{db: db, log: log, limit: limit}
}

// messageKey formats "msg:{channel}:{timestamp_padded}:{message_id}".
// The 19-digit zero padding keeps lexicographic order chronological; the
// message id disambiguates two messages in the same nanosecond.
func messageKey(channel string, at time.Time, messageID string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", channel, at.UnixNano(), messageID))
}

func (m *MessageStore) StoreMessage(_ context.Context, rec domain.ChatRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(rec.Channel, rec.SentAt, rec.MessageID), value)
	})
}

// Tail returns the channel's newest messages, most recent first. A debug
// surface for the inspect tool, not a history API.
func (m *MessageStore) Tail(channel string) ([]domain.ChatRecord, error) {
	var raw [][]byte

	err := m.db.View(func(txn *badger.Txn) error {
		prefixStr := fmt.Sprintf("msg:%s:", channel)
		prefix := []byte(prefixStr)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// Seek past the newest possible timestamp, then walk backwards.
		seekKey := append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if m.limit > 0 && len(raw) == m.limit {
				m.log.Debug(fmt.Sprintf("Maximum of %d messages reached", m.limit))
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

	records := make([]domain.ChatRecord, 0, len(raw))
	for _, b := range raw {
		var rec domain.ChatRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
