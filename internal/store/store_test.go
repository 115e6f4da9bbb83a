package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(context.Background(), SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "walkie.db"),
		LoggerFactory: logging.NewDefaultLoggerFactory(),
		now:           func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func TestStore_RoomsUpsertByNameAndCreator(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first, err := s.StoreRoom(ctx, Room{
				Name: "ops", Address: "10.0.0.1", Port: 8080, CreatorID: "alice",
				Metadata: map[string]string{"groups": "red,blue"},
			})
			if err != nil {
				t.Fatalf("StoreRoom: %v", err)
			}
			if first.ID == 0 || first.CreatedAt.IsZero() {
				t.Fatalf("stored=%+v", first)
			}

			again, err := s.StoreRoom(ctx, Room{Name: "ops", Address: "10.0.0.2", Port: 9090, CreatorID: "alice"})
			if err != nil {
				t.Fatalf("StoreRoom update: %v", err)
			}
			if again.ID != first.ID || again.Address != "10.0.0.2" || again.Metadata != nil {
				t.Fatalf("update=%+v, first=%+v", again, first)
			}

			if _, err := s.StoreRoom(ctx, Room{Name: "ops", Address: "10.0.0.3", Port: 8080, CreatorID: "bob"}); err != nil {
				t.Fatalf("StoreRoom bob: %v", err)
			}
			if _, err := s.StoreRoom(ctx, Room{Name: "alpha", Address: "10.0.0.4", Port: 8080, CreatorID: "carol", Metadata: map[string]string{"k": "v"}}); err != nil {
				t.Fatalf("StoreRoom carol: %v", err)
			}

			rooms, err := s.LoadRooms(ctx)
			if err != nil {
				t.Fatalf("LoadRooms: %v", err)
			}
			if len(rooms) != 3 {
				t.Fatalf("rooms=%+v", rooms)
			}
			if rooms[0].Name != "alpha" || rooms[0].Metadata["k"] != "v" {
				t.Fatalf("rooms[0]=%+v", rooms[0])
			}
			if rooms[1].CreatorID != "alice" || rooms[2].CreatorID != "bob" {
				t.Fatalf("order: %+v", rooms)
			}
		})
	}
}

func TestStore_RejectsInvalidRooms(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, r := range []Room{
				{Address: "a", Port: 1, CreatorID: "x"},
				{Name: "n", Address: "a", Port: 1},
				{Name: "n", Address: "a", Port: 70000, CreatorID: "x"},
			} {
				if _, err := s.StoreRoom(ctx, r); !errors.Is(err, ErrInvalidRoom) {
					t.Fatalf("StoreRoom(%+v): err=%v", r, err)
				}
			}
		})
	}
}

func TestStore_Permissions(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetUserPermissions(ctx, "alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing: err=%v", err)
			}
			want := Permissions{"talk": true, "role": "admin", "groups": map[string]any{"red": "rw"}}
			if err := s.SetUserPermissions(ctx, "alice", want); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := s.GetUserPermissions(ctx, "alice")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got["talk"] != true || got["role"] != "admin" {
				t.Fatalf("got=%v", got)
			}
			groups, ok := got["groups"].(map[string]any)
			if !ok || groups["red"] != "rw" {
				t.Fatalf("groups=%#v", got["groups"])
			}

			// Mutating the returned document does not affect the stored one.
			got["talk"] = false
			again, _ := s.GetUserPermissions(ctx, "alice")
			if again["talk"] != true {
				t.Fatalf("stored document was aliased")
			}
		})
	}
}

func TestOpen_FallsBackToMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "walkie.db")
	s, err := Open(context.Background(), path, logging.NewDefaultLoggerFactory())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err=%v, want ErrPersistence", err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("store=%T, want *Memory", s)
	}
}

func TestRoutes(t *testing.T) {
	s := NewMemory()
	if _, err := s.StoreRoom(context.Background(), Room{Name: "ops", Address: "127.0.0.1", Port: 8080, CreatorID: "alice"}); err != nil {
		t.Fatalf("StoreRoom: %v", err)
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, s)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/rooms")
	if err != nil {
		t.Fatalf("GET /rooms: %v", err)
	}
	var rooms []Room
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(rooms) != 1 || rooms[0].Name != "ops" {
		t.Fatalf("rooms=%+v", rooms)
	}

	resp, err = http.Get(ts.URL + "/users/alice/permissions")
	if err != nil {
		t.Fatalf("GET permissions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing permissions status=%d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/users/alice/permissions", strings.NewReader(`{"talk":true}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT status=%d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPut, ts.URL+"/users/alice/permissions", strings.NewReader(`[1,2]`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT bad: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("PUT bad status=%d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/users/alice/permissions")
	if err != nil {
		t.Fatalf("GET permissions: %v", err)
	}
	var p Permissions
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if p["talk"] != true {
		t.Fatalf("permissions=%v", p)
	}
}
