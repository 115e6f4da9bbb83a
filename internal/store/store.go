// Package store persists rooms and user permissions.
//
// SQLite is the primary backend. When the database cannot be opened the
// relay falls back to Memory so it can still serve signaling.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pion/logging"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
)

var (
	// ErrPersistence wraps backend failures.
	ErrPersistence = errors.New("store: persistence error")
	ErrNotFound    = errors.New("store: not found")
	ErrInvalidRoom = errors.New("store: invalid room")
)

// Room is a named relay endpoint. Rooms are unique by (Name, CreatorID);
// storing an existing pair updates its address, port and metadata.
type Room struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Address   string            `json:"address"`
	Port      int               `json:"port"`
	CreatorID string            `json:"creator_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (r Room) validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRoom)
	case r.CreatorID == "":
		return fmt.Errorf("%w: creator id is required", ErrInvalidRoom)
	case r.Port <= 0 || r.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidRoom, r.Port)
	}
	return nil
}

// Permissions is an opaque per-user document. Values must be CBOR
// encodable; nested maps decode as map[string]any.
type Permissions map[string]any

type Store interface {
	// LoadRooms returns every room ordered by name, then creator.
	LoadRooms(ctx context.Context) ([]Room, error)
	// StoreRoom inserts or updates r and returns the stored row.
	StoreRoom(ctx context.Context, r Room) (Room, error)
	GetUserPermissions(ctx context.Context, userID string) (Permissions, error)
	SetUserPermissions(ctx context.Context, userID string, p Permissions) error
	Close() error
}

// Open returns a SQLite store at path, or a Memory store if that fails. The
// returned error is non-nil only alongside the fallback and wraps
// ErrPersistence.
func Open(ctx context.Context, path string, lf logging.LoggerFactory) (Store, error) {
	s, err := OpenSQLite(ctx, SQLiteConfig{Path: path, LoggerFactory: lf})
	if err != nil {
		pionlog.OrDefault(lf).NewLogger("store").Warnf("falling back to in-memory store: %v", err)
		return NewMemory(), err
	}
	return s, nil
}

func sortRooms(rooms []Room) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Name != rooms[j].Name {
			return rooms[i].Name < rooms[j].Name
		}
		return rooms[i].CreatorID < rooms[j].CreatorID
	})
}
