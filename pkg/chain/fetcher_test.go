package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/cache"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
)

// callStub routes eth_call by method selector.
type callStub struct {
	returns map[[4]byte][]byte
	err     error
}

func newCallStub() *callStub {
	return &callStub{returns: map[[4]byte][]byte{}}
}

func (c *callStub) on(sig string, out []byte) {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
	c.returns[sel] = out
}

func (c *callStub) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	var sel [4]byte
	copy(sel[:], msg.Data[:4])
	out, ok := c.returns[sel]
	if !ok {
		return nil, errors.New("unexpected call")
	}
	return out, nil
}

func words(vs ...uint64) []byte {
	var out []byte
	for _, v := range vs {
		out = append(out, common.BigToHash(new(big.Int).SetUint64(v)).Bytes()...)
	}
	return out
}

func addressWord(a common.Address) []byte {
	return common.BytesToHash(a.Bytes()).Bytes()
}

// encodeString appends a dynamic string's tail given its byte offset already
// written in the head.
func encodeString(s string) []byte {
	out := words(uint64(len(s)))
	out = append(out, []byte(s)...)
	if pad := 32 - len(s)%32; pad != 32 {
		out = append(out, make([]byte, pad)...)
	}
	return out
}

func newTestFetcher(t *testing.T, stub *callStub) *Fetcher {
	t.Helper()
	f, err := NewFetcher(zap.NewNop().Sugar(), stub, common.Address{0x01})
	require.NoError(t, err)
	return f
}

func TestFetchRecordReservation(t *testing.T) {
	t.Parallel()

	renter := common.Address{0xaa}
	stub := newCallStub()
	out := words(7) // labId
	out = append(out, addressWord(renter)...)
	out = append(out, words(1_000, 2_000, uint64(market.StatusConfirmed), 1)...)
	stub.on(sigGetReservation, out)

	f := newTestFetcher(t, stub)
	key := common.Hash{0x0a}
	v, err := f.FetchRecord(context.Background(), market.KindBooking, key.Hex())
	require.NoError(t, err)

	res, ok := v.(market.Reservation)
	require.True(t, ok)
	assert.Equal(t, key, res.Key)
	assert.Equal(t, uint64(7), res.LabID)
	assert.Equal(t, renter, res.Renter)
	assert.Equal(t, int64(1_000), res.Start)
	assert.Equal(t, int64(2_000), res.End)
	assert.Equal(t, market.StatusConfirmed, res.Status)
}

func TestFetchRecordMissingReservation(t *testing.T) {
	t.Parallel()

	stub := newCallStub()
	out := words(0)
	out = append(out, addressWord(common.Address{})...)
	out = append(out, words(0, 0, 0, 0)...) // exists = false
	stub.on(sigGetReservation, out)

	f := newTestFetcher(t, stub)
	_, err := f.FetchRecord(context.Background(), market.KindBooking, common.Hash{0x0a}.Hex())
	require.ErrorIs(t, err, cache.ErrNoRecord)
}

func TestFetchRecordLab(t *testing.T) {
	t.Parallel()

	provider := common.Address{0xbb}
	stub := newCallStub()
	// head: provider, uri offset, listed, exists; tail: uri.
	out := addressWord(provider)
	out = append(out, words(4*32, 1, 1)...)
	out = append(out, encodeString("ipfs://lab-42")...)
	stub.on(sigGetLab, out)

	f := newTestFetcher(t, stub)
	v, err := f.FetchRecord(context.Background(), market.KindLab, "42")
	require.NoError(t, err)

	lab, ok := v.(market.Lab)
	require.True(t, ok)
	assert.Equal(t, uint64(42), lab.ID)
	assert.Equal(t, provider, lab.Provider)
	assert.Equal(t, "ipfs://lab-42", lab.URI)
	assert.True(t, lab.Listed)
}

func TestFetchRecordProvider(t *testing.T) {
	t.Parallel()

	account := common.Address{0xcc}
	stub := newCallStub()
	// head: name offset, exists; tail: name.
	out := words(2*32, 1)
	out = append(out, encodeString("Acoustics Lab Group")...)
	stub.on(sigGetProvider, out)

	f := newTestFetcher(t, stub)
	v, err := f.FetchRecord(context.Background(), market.KindProvider, account.Hex())
	require.NoError(t, err)

	p, ok := v.(market.Provider)
	require.True(t, ok)
	assert.Equal(t, account, p.Account)
	assert.Equal(t, "Acoustics Lab Group", p.Name)
}

func TestFetchRecordValidation(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, newCallStub())

	_, err := f.FetchRecord(context.Background(), market.Kind("unknown"), "x")
	require.ErrorIs(t, err, market.ErrUnknownKind)

	_, err = f.FetchRecord(context.Background(), market.KindLab, "not-a-number")
	require.ErrorContains(t, err, "invalid lab id")

	_, err = f.FetchRecord(context.Background(), market.KindBooking, "0xzz")
	require.ErrorContains(t, err, "invalid reservation key")
}

func TestFetchAllLabs(t *testing.T) {
	t.Parallel()

	stub := newCallStub()
	// getLabIds: offset, len, [42].
	stub.on(sigGetLabIds, words(32, 1, 42))

	out := addressWord(common.Address{0xbb})
	out = append(out, words(4*32, 1, 1)...)
	out = append(out, encodeString("ipfs://lab-42")...)
	stub.on(sigGetLab, out)

	f := newTestFetcher(t, stub)
	records, err := f.FetchAll(context.Background(), market.KindLab)
	require.NoError(t, err)
	require.Len(t, records, 1)
	lab, ok := records["42"].(market.Lab)
	require.True(t, ok)
	assert.Equal(t, uint64(42), lab.ID)
}

func TestFetchAllSkipsMissingRecords(t *testing.T) {
	t.Parallel()

	stub := newCallStub()
	key := common.Hash{0x0a}
	stub.on(sigGetReservationKeys, append(words(32, 1), key.Bytes()...))

	// Listed key resolves to exists=false.
	out := words(0)
	out = append(out, addressWord(common.Address{})...)
	out = append(out, words(0, 0, 0, 0)...)
	stub.on(sigGetReservation, out)

	f := newTestFetcher(t, stub)
	records, err := f.FetchAll(context.Background(), market.KindBooking)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFetchAllPropagatesCallError(t *testing.T) {
	t.Parallel()

	stub := newCallStub()
	stub.err = errors.New("rpc down")

	f := newTestFetcher(t, stub)
	_, err := f.FetchAll(context.Background(), market.KindProvider)
	require.ErrorContains(t, err, "rpc down")
}

func TestReadWordArrayRejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := readWordArray(nil)
	require.Error(t, err)

	// Offset beyond data.
	_, err = readWordArray(words(1024, 0))
	require.Error(t, err)

	// Length beyond data.
	_, err = readWordArray(words(32, 100))
	require.Error(t, err)
}
