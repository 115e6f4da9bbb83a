package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/logging"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/pionlog"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL,
	address    TEXT    NOT NULL,
	port       INTEGER NOT NULL,
	creator_id TEXT    NOT NULL,
	metadata   BLOB,
	created_at INTEGER NOT NULL,
	UNIQUE (name, creator_id)
);
CREATE TABLE IF NOT EXISTS user_permissions (
	user_id     TEXT PRIMARY KEY,
	permissions BLOB NOT NULL
);
`

type SQLiteConfig struct {
	// Path is created if missing; its directory must exist.
	Path string
	// PoolSize defaults to 4.
	PoolSize      int
	LoggerFactory logging.LoggerFactory

	now func() time.Time
}

// SQLite is a Store backed by a pool of SQLite connections.
type SQLite struct {
	pool *sqlitex.Pool
	path string
	log  logging.LeveledLogger
	now  func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens the database and creates the schema.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrPersistence)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrPersistence, cfg.Path, err)
	}

	s := &SQLite{
		pool: pool,
		path: cfg.Path,
		log:  pionlog.OrDefault(cfg.LoggerFactory).NewLogger("store"),
		now:  now,
	}

	conn, err := s.take(ctx)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("%w: creating schema: %v", ErrPersistence, err)
	}

	s.log.Infof("sqlite store opened at %s (pool size %d)", cfg.Path, poolSize)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: take connection: %v", ErrPersistence, err)
	}
	return conn, nil
}

func (s *SQLite) LoadRooms(ctx context.Context) ([]Room, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var rooms []Room
	err = sqlitex.Execute(conn,
		`SELECT id, name, address, port, creator_id, metadata, created_at
		FROM rooms ORDER BY name, creator_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				r, err := scanRoom(stmt)
				if err != nil {
					return err
				}
				rooms = append(rooms, r)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("%w: load rooms: %v", ErrPersistence, err)
	}
	return rooms, nil
}

func scanRoom(stmt *sqlite.Stmt) (Room, error) {
	r := Room{
		ID:        stmt.ColumnInt64(0),
		Name:      stmt.ColumnText(1),
		Address:   stmt.ColumnText(2),
		Port:      stmt.ColumnInt(3),
		CreatorID: stmt.ColumnText(4),
		CreatedAt: time.UnixMilli(stmt.ColumnInt64(6)).UTC(),
	}
	if !stmt.ColumnIsNull(5) {
		blob := make([]byte, stmt.ColumnLen(5))
		stmt.ColumnBytes(5, blob)
		md, err := decodeMetadata(blob)
		if err != nil {
			return Room{}, err
		}
		r.Metadata = md
	}
	return r, nil
}

func (s *SQLite) StoreRoom(ctx context.Context, r Room) (stored Room, err error) {
	if err := r.validate(); err != nil {
		return Room{}, err
	}
	md, err := encodeMetadata(r.Metadata)
	if err != nil {
		return Room{}, err
	}
	var mdArg any
	if md != nil {
		mdArg = md
	}

	conn, err := s.take(ctx)
	if err != nil {
		return Room{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return Room{}, fmt.Errorf("%w: begin transaction: %v", ErrPersistence, err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		`INSERT INTO rooms (name, address, port, creator_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, creator_id) DO UPDATE SET
			address = excluded.address,
			port = excluded.port,
			metadata = excluded.metadata`,
		&sqlitex.ExecOptions{
			Args: []any{r.Name, r.Address, r.Port, r.CreatorID, mdArg, s.now().UnixMilli()},
		})
	if err != nil {
		return Room{}, fmt.Errorf("%w: store room: %v", ErrPersistence, err)
	}

	found := false
	err = sqlitex.Execute(conn,
		`SELECT id, name, address, port, creator_id, metadata, created_at
		FROM rooms WHERE name = ? AND creator_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{r.Name, r.CreatorID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row, err := scanRoom(stmt)
				if err != nil {
					return err
				}
				stored, found = row, true
				return nil
			},
		})
	if err != nil {
		return Room{}, fmt.Errorf("%w: reload room: %v", ErrPersistence, err)
	}
	if !found {
		return Room{}, fmt.Errorf("%w: room %q vanished after insert", ErrPersistence, r.Name)
	}
	return stored, nil
}

func (s *SQLite) GetUserPermissions(ctx context.Context, userID string) (Permissions, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var blob []byte
	found := false
	err = sqlitex.Execute(conn,
		`SELECT permissions FROM user_permissions WHERE user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("%w: get permissions: %v", ErrPersistence, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: permissions for %q", ErrNotFound, userID)
	}
	var p Permissions
	if err := decodeBlob(blob, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SQLite) SetUserPermissions(ctx context.Context, userID string, p Permissions) error {
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

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO user_permissions (user_id, permissions) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET permissions = excluded.permissions`,
		&sqlitex.ExecOptions{Args: []any{userID, blob}})
	if err != nil {
		return fmt.Errorf("%w: set permissions: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrPersistence, s.path, err)
	}
	s.log.Infof("sqlite store closed")
	return nil
}
