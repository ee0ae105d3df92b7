package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	ethereum "github.com/ava-labs/libevm"
	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/crypto"
	"go.uber.org/zap"

	"github.com/DecentraLabsCom/marketplace-sync/pkg/cache"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/market"
	"github.com/DecentraLabsCom/marketplace-sync/pkg/utils"
)

// Marketplace contract view methods the fetcher calls.
const (
	sigGetReservation     = "getReservation(bytes32)"
	sigGetReservationKeys = "getReservationKeys()"
	sigGetLab             = "getLab(uint256)"
	sigGetLabIds          = "getLabIds()"
	sigGetProvider        = "getProvider(address)"
	sigGetProviderList    = "getProviderList()"
)

// CallClient is the subset of the eth client the fetcher needs. Satisfied by
// *ethclient.Client.
type CallClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Fetcher reads authoritative marketplace state from the contract with
// eth_call against the latest block. It is the coordinator's source of truth.
type Fetcher struct {
	log      *zap.SugaredLogger
	client   CallClient
	contract common.Address
}

var _ cache.Fetcher = (*Fetcher)(nil)

// NewFetcher creates a Fetcher.
func NewFetcher(log *zap.SugaredLogger, client CallClient, contract common.Address) (*Fetcher, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if client == nil {
		return nil, errors.New("invalid call client: must not be nil")
	}
	if contract == (common.Address{}) {
		return nil, errors.New("invalid contract address: must not be zero")
	}
	return &Fetcher{log: log, client: client, contract: contract}, nil
}

// FetchRecord returns the canonical record for (kind, key), or
// cache.ErrNoRecord when the contract has none.
func (f *Fetcher) FetchRecord(ctx context.Context, kind market.Kind, key string) (any, error) {
	switch kind {
	case market.KindBooking:
		raw, err := utils.HexToBytes32(key)
		if err != nil {
			return nil, fmt.Errorf("invalid reservation key %q: %w", key, err)
		}
		return f.fetchReservation(ctx, common.Hash(raw))
	case market.KindLab:
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid lab id %q: %w", key, err)
		}
		return f.fetchLab(ctx, id)
	case market.KindProvider:
		raw, err := utils.HexToBytes20(key)
		if err != nil {
			return nil, fmt.Errorf("invalid provider account %q: %w", key, err)
		}
		return f.fetchProvider(ctx, common.Address(raw))
	}
	return nil, fmt.Errorf("%w: %q", market.ErrUnknownKind, kind)
}

// FetchAll returns the full canonical collection for kind, keyed the same way
// the cache keys its records.
func (f *Fetcher) FetchAll(ctx context.Context, kind market.Kind) (map[string]any, error) {
	switch kind {
	case market.KindBooking:
		return f.fetchAllReservations(ctx)
	case market.KindLab:
		return f.fetchAllLabs(ctx)
	case market.KindProvider:
		return f.fetchAllProviders(ctx)
	}
	return nil, fmt.Errorf("%w: %q", market.ErrUnknownKind, kind)
}

func (f *Fetcher) call(ctx context.Context, sig string, args ...[]byte) ([]byte, error) {
	data := crypto.Keccak256([]byte(sig))[:4]
	for _, a := range args {
		data = append(data, a...)
	}
	out, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &f.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", sig, err)
	}
	return out, nil
}

// getReservation returns (uint256 labId, address renter, uint256 start,
// uint256 end, uint8 status, bool exists).
func (f *Fetcher) fetchReservation(ctx context.Context, key common.Hash) (any, error) {
	out, err := f.call(ctx, sigGetReservation, key.Bytes())
	if err != nil {
		return nil, err
	}
	if len(out) < 6*32 {
		return nil, fmt.Errorf("getReservation: short return data (%d bytes)", len(out))
	}
	if !readBool(out, 5) {
		return nil, cache.ErrNoRecord
	}
	res := market.Reservation{
		Key:    key,
		LabID:  readUint64(out, 0),
		Renter: readAddress(out, 1),
		Start:  int64(readUint64(out, 2)),
		End:    int64(readUint64(out, 3)),
		Status: market.Status(readUint64(out, 4)),
	}
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("getReservation %s: %w", key, err)
	}
	return res, nil
}

// getLab returns (address provider, string uri, bool listed, bool exists).
func (f *Fetcher) fetchLab(ctx context.Context, id uint64) (any, error) {
	out, err := f.call(ctx, sigGetLab, uint64Word(id))
	if err != nil {
		return nil, err
	}
	if len(out) < 4*32 {
		return nil, fmt.Errorf("getLab: short return data (%d bytes)", len(out))
	}
	if !readBool(out, 3) {
		return nil, cache.ErrNoRecord
	}
	uri, err := readString(out, 1)
	if err != nil {
		return nil, fmt.Errorf("getLab %d: %w", id, err)
	}
	return market.Lab{
		ID:       id,
		Provider: readAddress(out, 0),
		URI:      uri,
		Listed:   readBool(out, 2),
	}, nil
}

// getProvider returns (string name, bool exists).
func (f *Fetcher) fetchProvider(ctx context.Context, account common.Address) (any, error) {
	out, err := f.call(ctx, sigGetProvider, common.BytesToHash(account.Bytes()).Bytes())
	if err != nil {
		return nil, err
	}
	if len(out) < 2*32 {
		return nil, fmt.Errorf("getProvider: short return data (%d bytes)", len(out))
	}
	if !readBool(out, 1) {
		return nil, cache.ErrNoRecord
	}
	name, err := readString(out, 0)
	if err != nil {
		return nil, fmt.Errorf("getProvider %s: %w", account, err)
	}
	return market.Provider{Account: account, Name: name}, nil
}

func (f *Fetcher) fetchAllReservations(ctx context.Context) (map[string]any, error) {
	out, err := f.call(ctx, sigGetReservationKeys)
	if err != nil {
		return nil, err
	}
	keys, err := readWordArray(out)
	if err != nil {
		return nil, fmt.Errorf("getReservationKeys: %w", err)
	}

	records := make(map[string]any, len(keys))
	for _, w := range keys {
		key := common.Hash(w)
		record, err := f.fetchReservation(ctx, key)
		if errors.Is(err, cache.ErrNoRecord) {
			f.log.Debugw("reservation key listed but record missing", "key", key)
			continue
		}
		if err != nil {
			return nil, err
		}
		records[key.Hex()] = record
	}
	return records, nil
}

func (f *Fetcher) fetchAllLabs(ctx context.Context) (map[string]any, error) {
	out, err := f.call(ctx, sigGetLabIds)
	if err != nil {
		return nil, err
	}
	ids, err := readWordArray(out)
	if err != nil {
		return nil, fmt.Errorf("getLabIds: %w", err)
	}

	records := make(map[string]any, len(ids))
	for _, w := range ids {
		id := new(big.Int).SetBytes(w[:]).Uint64()
		record, err := f.fetchLab(ctx, id)
		if errors.Is(err, cache.ErrNoRecord) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records[strconv.FormatUint(id, 10)] = record
	}
	return records, nil
}

func (f *Fetcher) fetchAllProviders(ctx context.Context) (map[string]any, error) {
	out, err := f.call(ctx, sigGetProviderList)
	if err != nil {
		return nil, err
	}
	accounts, err := readWordArray(out)
	if err != nil {
		return nil, fmt.Errorf("getProviderList: %w", err)
	}

	records := make(map[string]any, len(accounts))
	for _, w := range accounts {
		account := common.BytesToAddress(w[:])
		record, err := f.fetchProvider(ctx, account)
		if errors.Is(err, cache.ErrNoRecord) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records[account.Hex()] = record
	}
	return records, nil
}

// ABI word helpers. All readers index return data by 32-byte word.

func uint64Word(v uint64) []byte {
	return common.BigToHash(new(big.Int).SetUint64(v)).Bytes()
}

func readUint64(data []byte, word int) uint64 {
	return new(big.Int).SetBytes(data[word*32 : (word+1)*32]).Uint64()
}

func readAddress(data []byte, word int) common.Address {
	return common.BytesToAddress(data[word*32 : (word+1)*32])
}

func readBool(data []byte, word int) bool {
	return new(big.Int).SetBytes(data[word*32:(word+1)*32]).Sign() != 0
}

// readString decodes a dynamic string whose offset lives at the given head
// word.
func readString(data []byte, word int) (string, error) {
	if len(data) < (word+1)*32 {
		return "", fmt.Errorf("short data for string offset at word %d", word)
	}
	offset := new(big.Int).SetBytes(data[word*32 : (word+1)*32])
	if !offset.IsUint64() || offset.Uint64()+32 > uint64(len(data)) {
		return "", fmt.Errorf("string offset %s out of range", offset)
	}
	start := offset.Uint64()
	length := new(big.Int).SetBytes(data[start : start+32])
	if !length.IsUint64() || start+32+length.Uint64() > uint64(len(data)) {
		return "", fmt.Errorf("string length %s out of range", length)
	}
	return string(data[start+32 : start+32+length.Uint64()]), nil
}

// readWordArray decodes a dynamic array of static 32-byte elements returned
// as the sole output.
func readWordArray(data []byte) ([][32]byte, error) {
	if len(data) < 64 {
		return nil, fmt.Errorf("short data (%d bytes)", len(data))
	}
	offset := new(big.Int).SetBytes(data[0:32])
	if !offset.IsUint64() || offset.Uint64()+32 > uint64(len(data)) {
		return nil, fmt.Errorf("array offset %s out of range", offset)
	}
	start := offset.Uint64()
	length := new(big.Int).SetBytes(data[start : start+32])
	if !length.IsUint64() || start+32+length.Uint64()*32 > uint64(len(data)) {
		return nil, fmt.Errorf("array length %s out of range", length)
	}

	n := length.Uint64()
	out := make([][32]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		var w [32]byte
		copy(w[:], data[start+32+i*32:start+64+i*32])
		out = append(out, w)
	}
	return out, nil
}
