package cursor

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/clickhouse/mocks"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/clickhouse/testutils"
)

// rowStub is a minimal driver.Row that populates the scan destinations.
type rowStub struct {
	chainID     uint64
	lastScanned uint64
	timestamp   int64
	err         error
}

func (r rowStub) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 3 {
		return errors.New("unexpected dest len")
	}
	*dest[0].(*uint64) = r.chainID
	*dest[1].(*uint64) = r.lastScanned
	*dest[2].(*int64) = r.timestamp
	return nil
}

func (r rowStub) Err() error { return r.err }

func (r rowStub) ScanStruct(dest any) error { return r.Scan(dest) }

func expectCreateTable(conn *mocks.Conn) {
	conn.
		On("Exec", mock.Anything, mock.MatchedBy(func(q string) bool {
			return strings.Contains(q, "CREATE TABLE IF NOT EXISTS") &&
				strings.Contains(q, "cursors")
		})).
		Return(nil)
}

func newTestRepository(t *testing.T, conn *mocks.Conn) *Repository {
	t.Helper()
	expectCreateTable(conn)
	repo, err := NewRepository(testutils.NewTestClient(conn), "default", "cursors")
	require.NoError(t, err)
	return repo
}

func TestRepositoryInitializeFailure(t *testing.T) {
	t.Parallel()
	conn := &mocks.Conn{}
	conn.
		On("Exec", mock.Anything, mock.Anything).
		Return(errors.New("connection refused"))

	_, err := NewRepository(testutils.NewTestClient(conn), "default", "cursors")
	require.ErrorContains(t, err, "failed to create cursor table")
}

func TestRepositoryWrite(t *testing.T) {
	t.Parallel()
	conn := &mocks.Conn{}
	repo := newTestRepository(t, conn)

	conn.
		On("Exec", mock.Anything, mock.MatchedBy(func(q string) bool {
			return strings.Contains(q, "INSERT INTO default.cursors")
		}), uint64(43113), uint64(9_999), mock.Anything).
		Return(nil)

	require.NoError(t, repo.Write(context.Background(), 43113, 9_999))
	conn.AssertExpectations(t)
}

func TestRepositoryWriteFailure(t *testing.T) {
	t.Parallel()
	conn := &mocks.Conn{}
	repo := newTestRepository(t, conn)

	conn.
		On("Exec", mock.Anything, mock.MatchedBy(func(q string) bool {
			return strings.Contains(q, "INSERT INTO")
		}), mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("table is read-only"))

	require.ErrorContains(t, repo.Write(context.Background(), 43113, 1), "failed to write cursor")
}

func TestRepositoryRead(t *testing.T) {
	t.Parallel()
	conn := &mocks.Conn{}
	repo := newTestRepository(t, conn)

	conn.
		On("QueryRow", mock.Anything, mock.MatchedBy(func(q string) bool {
			return strings.Contains(q, "FROM default.cursors")
		}), uint64(43113)).
		Return(rowStub{chainID: 43113, lastScanned: 7_777, timestamp: 1})

	last, exists, err := repo.Read(context.Background(), 43113)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, uint64(7_777), last)
}

func TestRepositoryReadNoCursor(t *testing.T) {
	t.Parallel()
	conn := &mocks.Conn{}
	repo := newTestRepository(t, conn)

	conn.
		On("QueryRow", mock.Anything, mock.Anything, uint64(43113)).
		Return(rowStub{err: sql.ErrNoRows})

	last, exists, err := repo.Read(context.Background(), 43113)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Zero(t, last)
}
