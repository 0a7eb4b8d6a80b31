package persistence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleCursorStore keeps each market's liquidation sweep cursor in a local
// pebble database. Writes are synced so a restart resumes where the last
// completed sweep stopped.
type PebbleCursorStore struct {
	db *pebble.DB
}

func OpenCursorStore(dir string) (*PebbleCursorStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cursor store %s: %w", dir, err)
	}
	return &PebbleCursorStore{db: db}, nil
}

func (s *PebbleCursorStore) Close() error {
	return s.db.Close()
}

// LoadCursor implements liquidation.CursorStore.
func (s *PebbleCursorStore) LoadCursor(ctx context.Context, marketID string) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	val, closer, err := s.db.Get(cursorKey(marketID))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %s: %w", marketID, err)
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, false, fmt.Errorf("cursor %s: invalid record length %d", marketID, len(val))
	}
	return int(binary.BigEndian.Uint64(val)), true, nil
}

// SaveCursor implements liquidation.CursorStore.
func (s *PebbleCursorStore) SaveCursor(ctx context.Context, marketID string, cursor int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cursor < 0 {
		return fmt.Errorf("cursor %s: negative value %d", marketID, cursor)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(cursor))
	return s.db.Set(cursorKey(marketID), buf, pebble.Sync)
}

func cursorKey(marketID string) []byte {
	return []byte("sweep-cursor/" + marketID)
}
