package procstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/mint-forge/pkg/types"
	_ "github.com/lib/pq"
)

const stateSchema = `
CREATE TABLE IF NOT EXISTS process_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore 處理狀態存成 process_state 的單一列
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenPostgresStore 開啟連線並確認可用
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore 使用既有的連線池
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// EnsureSchema 建立 process_state 資料表
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, stateSchema); err != nil {
		return fmt.Errorf("failed to create process_state schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (types.ProcessState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM process_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NewProcessState(), nil
	}
	if err != nil {
		return types.ProcessState{}, fmt.Errorf("failed to load process state: %w", err)
	}
	return decode(raw, json.Unmarshal)
}

func (s *PostgresStore) Save(ctx context.Context, state types.ProcessState) error {
	state.SchemaVer = types.ProcessStateSchemaVersion
	state.UpdatedAt = s.clock().UnixMilli()

	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal process state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO process_state (id, doc, updated_at) VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		doc)
	if err != nil {
		return fmt.Errorf("failed to save process state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
