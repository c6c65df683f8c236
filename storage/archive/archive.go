// Package archive persists computed settlement windows so proofs can be served
// without recomputing a window.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"revshare/core/merkle"
	"revshare/core/settlement"
	"revshare/core/types"
	"revshare/storage"
)

// ErrNotFound is returned when no archived window matches a lookup.
var ErrNotFound = errors.New("archive: window not found")

// Record is an archived settlement window.
type Record struct {
	RunID        string
	StartBlock   uint64
	Root         common.Hash
	PercentScale *uint256.Int
	TotalRevenue *uint256.Int
	Dust         *uint256.Int
	Balances     []types.Balance
	CreatedAt    time.Time
}

// NewRecord captures a computed result under a fresh run id.
func NewRecord(res *settlement.Result, now time.Time) *Record {
	rec := &Record{
		RunID:        uuid.NewString(),
		StartBlock:   res.StartBlock,
		Root:         res.Root(),
		PercentScale: res.Scale.Units(),
		TotalRevenue: cloneOrZero(res.TotalRevenue),
		Dust:         cloneOrZero(res.Dust),
		Balances:     make([]types.Balance, len(res.Balances)),
		CreatedAt:    now.UTC(),
	}
	for i, b := range res.Balances {
		rec.Balances[i] = b.Clone()
	}
	return rec
}

// Tree rebuilds the balance tree committed by the record.
func (r *Record) Tree() *merkle.Tree {
	return merkle.NewBalanceTree(r.Balances)
}

// Proof returns the balance and hex proof for account.
func (r *Record) Proof(account common.Address) (types.Balance, []string, error) {
	balance, ok := types.FindBalance(r.Balances, account)
	if !ok {
		return types.Balance{}, nil, settlement.ErrAccountNotFound
	}
	proof, err := merkle.BalanceHexProof(r.Tree(), balance)
	if err != nil {
		return types.Balance{}, nil, err
	}
	return balance, proof, nil
}

// Store persists archived windows. Saving a root that is already archived
// keeps the existing record and reports its run id on rec.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	ByRoot(ctx context.Context, root common.Hash) (*Record, error)
	Latest(ctx context.Context) (*Record, error)
	Close() error
}

// Config selects and configures an archive backend.
type Config struct {
	Driver string
	DSN    string
	Path   string
}

// Open constructs the store named by cfg.Driver: sqlite, postgres, leveldb or memory.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "postgres":
		store, err := OpenSQL(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "leveldb":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("archive: leveldb path required")
		}
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("archive: open leveldb: %w", err)
		}
		return NewKV(db), nil
	case "", "memory":
		return NewKV(storage.NewMemDB()), nil
	default:
		return nil, fmt.Errorf("archive: unsupported driver %q", cfg.Driver)
	}
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
