// Package cursor persists the zone cursor, the index of the zone the replica
// set is currently appending to. The cursor is a single non-negative integer
// stored as decimal text and rewritten wholesale on every save.
package cursor

import (
	"context"
	"strconv"
	"strings"

	"github.com/zstore/zstore/pkg/errors"
)

// Store loads and saves the zone cursor.
//
// Load never fails hard: when nothing usable is stored it returns zone 0
// together with a PERSISTENCE_WARNING error that callers log and continue.
type Store interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, zone uint64) error
}

// Encode renders zone the way it is stored.
func Encode(zone uint64) []byte {
	return []byte(strconv.FormatUint(zone, 10) + "\n")
}

// Decode parses a stored cursor. Surrounding whitespace is ignored.
func Decode(data []byte) (uint64, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, errors.NewError(errors.ErrCodePersistenceWarning, "zone cursor is empty").
			WithComponent("cursor").WithOperation("load")
	}
	zone, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, errors.Newf(errors.ErrCodePersistenceWarning, "zone cursor %q is not a decimal integer", text).
			WithComponent("cursor").WithOperation("load").WithCause(err)
	}
	return zone, nil
}

// Memory is an in-process Store, used when persistence is disabled.
type Memory struct {
	zone  uint64
	saved bool
}

// Load implements Store.
func (m *Memory) Load(ctx context.Context) (uint64, error) {
	if !m.saved {
		return 0, errors.NewError(errors.ErrCodePersistenceWarning, "no zone cursor saved yet, starting at zone 0").
			WithComponent("cursor").WithOperation("load")
	}
	return m.zone, nil
}

// Save implements Store.
func (m *Memory) Save(ctx context.Context, zone uint64) error {
	m.zone = zone
	m.saved = true
	return nil
}
