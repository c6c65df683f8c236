package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"revshare/core/types"
	"revshare/storage"
)

var (
	windowPrefix = []byte("archive/window/")
	latestKey    = []byte("archive/latest")
)

type kvBalance struct {
	Account    common.Address
	Allocation *uint256.Int
}

type kvRecord struct {
	RunID        string
	StartBlock   uint64
	Root         common.Hash
	PercentScale *uint256.Int
	TotalRevenue *uint256.Int
	Dust         *uint256.Int
	Balances     []kvBalance
	CreatedAtMs  uint64
}

// KV archives windows in a key-value database, rlp encoded and keyed by root.
type KV struct {
	mu sync.Mutex
	db storage.Database
}

// NewKV wraps db as an archive store.
func NewKV(db storage.Database) *KV {
	return &KV{db: db}
}

func windowKey(root common.Hash) []byte {
	return append(append([]byte(nil), windowPrefix...), root.Bytes()...)
}

// Save implements Store.
func (s *KV) Save(_ context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("archive: record required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, err := s.load(rec.Root); err == nil {
		rec.RunID = existing.RunID
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	stored := kvRecord{
		RunID:        rec.RunID,
		StartBlock:   rec.StartBlock,
		Root:         rec.Root,
		PercentScale: cloneOrZero(rec.PercentScale),
		TotalRevenue: cloneOrZero(rec.TotalRevenue),
		Dust:         cloneOrZero(rec.Dust),
		Balances:     make([]kvBalance, len(rec.Balances)),
		CreatedAtMs:  uint64(rec.CreatedAt.UnixMilli()),
	}
	for i, b := range rec.Balances {
		stored.Balances[i] = kvBalance{Account: b.Account, Allocation: cloneOrZero(b.Allocation)}
	}
	encoded, err := rlp.EncodeToBytes(&stored)
	if err != nil {
		return fmt.Errorf("archive: encode window: %w", err)
	}
	if err := s.db.Put(windowKey(rec.Root), encoded); err != nil {
		return fmt.Errorf("archive: put window: %w", err)
	}
	if err := s.db.Put(latestKey, rec.Root.Bytes()); err != nil {
		return fmt.Errorf("archive: put latest: %w", err)
	}
	return nil
}

// ByRoot implements Store.
func (s *KV) ByRoot(_ context.Context, root common.Hash) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(root)
}

// Latest implements Store.
func (s *KV) Latest(_ context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(latestKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get latest: %w", err)
	}
	return s.load(common.BytesToHash(raw))
}

// Close implements Store.
func (s *KV) Close() error {
	return s.db.Close()
}

func (s *KV) load(root common.Hash) (*Record, error) {
	raw, err := s.db.Get(windowKey(root))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get window: %w", err)
	}
	var stored kvRecord
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("archive: decode window %s: %w", root.Hex(), err)
	}
	rec := &Record{
		RunID:        stored.RunID,
		StartBlock:   stored.StartBlock,
		Root:         stored.Root,
		PercentScale: stored.PercentScale,
		TotalRevenue: stored.TotalRevenue,
		Dust:         stored.Dust,
		Balances:     make([]types.Balance, len(stored.Balances)),
		CreatedAt:    time.UnixMilli(int64(stored.CreatedAtMs)).UTC(),
	}
	for i, b := range stored.Balances {
		rec.Balances[i] = types.Balance{Account: b.Account, Allocation: b.Allocation}
	}
	return rec, nil
}
