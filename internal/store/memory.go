package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type roomKey struct {
	name, creator string
}

// Memory is a process-local Store. Documents are kept CBOR encoded so callers
// never share maps with it.
type Memory struct {
	mu          sync.Mutex
	nextID      int64
	rooms       map[roomKey]Room
	metadata    map[roomKey][]byte
	permissions map[string][]byte
	now         func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		rooms:       make(map[roomKey]Room),
		metadata:    make(map[roomKey][]byte),
		permissions: make(map[string][]byte),
		now:         time.Now,
	}
}

func (m *Memory) LoadRooms(context.Context) ([]Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Room, 0, len(m.rooms))
	for k, r := range m.rooms {
		md, err := decodeMetadata(m.metadata[k])
		if err != nil {
			return nil, err
		}
		r.Metadata = md
		out = append(out, r)
	}
	sortRooms(out)
	return out, nil
}

func (m *Memory) StoreRoom(_ context.Context, r Room) (Room, error) {
	if err := r.validate(); err != nil {
		return Room{}, err
	}
	md, err := encodeMetadata(r.Metadata)
	if err != nil {
		return Room{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := roomKey{r.Name, r.CreatorID}
	if prev, ok := m.rooms[k]; ok {
		r.ID, r.CreatedAt = prev.ID, prev.CreatedAt
	} else {
		m.nextID++
		r.ID = m.nextID
		r.CreatedAt = time.UnixMilli(m.now().UnixMilli()).UTC()
	}
	r.Metadata = nil
	m.rooms[k] = r
	m.metadata[k] = md

	r.Metadata, _ = decodeMetadata(md)
	return r, nil
}

func (m *Memory) GetUserPermissions(_ context.Context, userID string) (Permissions, error) {
	m.mu.Lock()
	blob, ok := m.permissions[userID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: permissions for %q", ErrNotFound, userID)
	}
	var p Permissions
	if err := decodeBlob(blob, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Memory) SetUserPermissions(_ context.Context, userID string, p Permissions) error {
	if userID == "" {
		return errors.New("store: user id is required")
	}
	if p == nil {
		p = Permissions{}
	}
	blob, err := encodeBlob(p)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.permissions[userID] = blob
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
