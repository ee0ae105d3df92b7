package cursor

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/clickhouse"
)

// Cursor is one persisted scan position. Timestamp tracks the last write and
// drives ReplacingMergeTree deduplication.
type Cursor struct {
	ChainID     uint64 `json:"chain_id"`
	LastScanned uint64 `json:"last_scanned_block"`
	Timestamp   int64  `json:"timestamp"`
}

//go:embed queries/create-table.sql
var createTableQuery string

//go:embed queries/write-cursor.sql
var writeCursorQuery string

//go:embed queries/read-cursor.sql
var readCursorQuery string

// Repository is the ClickHouse-backed Store.
type Repository struct {
	client    clickhouse.Client
	database  string
	tableName string
}

var _ Store = (*Repository)(nil)

// NewRepository creates a Repository and ensures the cursor table exists.
func NewRepository(client clickhouse.Client, database, tableName string) (*Repository, error) {
	repo := &Repository{client: client, database: database, tableName: tableName}
	if err := repo.Initialize(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create cursor table: %w", err)
	}
	return repo, nil
}

// Initialize ensures the cursor table exists.
func (r *Repository) Initialize(ctx context.Context) error {
	query := fmt.Sprintf(createTableQuery, r.database, r.tableName)
	if err := r.client.Conn().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create cursor table: %w", err)
	}
	return nil
}

// Write persists the cursor stamped with the current Unix timestamp.
func (r *Repository) Write(ctx context.Context, chainID uint64, lastScanned uint64) error {
	c := Cursor{
		ChainID:     chainID,
		LastScanned: lastScanned,
		Timestamp:   time.Now().Unix(),
	}
	query := fmt.Sprintf(writeCursorQuery, r.database, r.tableName)
	if err := r.client.Conn().Exec(ctx, query, c.ChainID, c.LastScanned, c.Timestamp); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	return nil
}

// Read retrieves the latest cursor for chainID.
func (r *Repository) Read(ctx context.Context, chainID uint64) (lastScanned uint64, exists bool, err error) {
	var c Cursor
	query := fmt.Sprintf(readCursorQuery, r.database, r.tableName)
	err = r.client.Conn().
		QueryRow(ctx, query, chainID).
		Scan(&c.ChainID, &c.LastScanned, &c.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return c.LastScanned, true, nil
}
