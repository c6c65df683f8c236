package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"revshare/core/types"
)

// WindowModel is the archived window row.
type WindowModel struct {
	ID           string         `gorm:"primaryKey;size:36"`
	Root         string         `gorm:"uniqueIndex;size:66"`
	StartBlock   uint64         `gorm:"index"`
	PercentScale string         `gorm:"size:80"`
	TotalRevenue string         `gorm:"size:80"`
	Dust         string         `gorm:"size:80"`
	CreatedAt    time.Time      `gorm:"index"`
	Balances     []BalanceModel `gorm:"foreignKey:WindowID;constraint:OnDelete:CASCADE"`
}

// BalanceModel is one account allocation within an archived window.
type BalanceModel struct {
	ID         uint   `gorm:"primaryKey"`
	WindowID   string `gorm:"size:36;index"`
	Position   int
	Account    string `gorm:"size:42;index"`
	Allocation string `gorm:"size:80"`
}

// AutoMigrate performs the archive schema migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&WindowModel{}, &BalanceModel{})
}

// SQL archives windows through gorm.
type SQL struct {
	db *gorm.DB
}

// OpenSQL opens a sqlite or postgres archive and migrates its schema.
func OpenSQL(driver, dsn string) (*SQL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("archive: dsn required for %s", driver)
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("archive: unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", driver, err)
	}
	return NewSQL(db)
}

// NewSQL wraps an existing gorm handle.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &SQL{db: db}, nil
}

// Save implements Store.
func (s *SQL) Save(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("archive: record required")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing WindowModel
		err := tx.Where("root = ?", rec.Root.Hex()).First(&existing).Error
		if err == nil {
			rec.RunID = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		model := WindowModel{
			ID:           rec.RunID,
			Root:         rec.Root.Hex(),
			StartBlock:   rec.StartBlock,
			PercentScale: cloneOrZero(rec.PercentScale).Dec(),
			TotalRevenue: cloneOrZero(rec.TotalRevenue).Dec(),
			Dust:         cloneOrZero(rec.Dust).Dec(),
			CreatedAt:    rec.CreatedAt,
			Balances:     make([]BalanceModel, len(rec.Balances)),
		}
		for i, b := range rec.Balances {
			model.Balances[i] = BalanceModel{
				WindowID:   rec.RunID,
				Position:   i,
				Account:    b.Account.Hex(),
				Allocation: cloneOrZero(b.Allocation).Dec(),
			}
		}
		return tx.Create(&model).Error
	})
}

// ByRoot implements Store.
func (s *SQL) ByRoot(ctx context.Context, root common.Hash) (*Record, error) {
	return s.first(s.db.WithContext(ctx).Where("root = ?", root.Hex()))
}

// Latest implements Store.
func (s *SQL) Latest(ctx context.Context) (*Record, error) {
	return s.first(s.db.WithContext(ctx).Order("created_at DESC").Order("start_block DESC"))
}

// Close implements Store.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQL) first(query *gorm.DB) (*Record, error) {
	var model WindowModel
	err := query.Preload("Balances", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive: query window: %w", err)
	}
	return model.record()
}

func (m WindowModel) record() (*Record, error) {
	rec := &Record{
		RunID:      m.ID,
		StartBlock: m.StartBlock,
		Root:       common.HexToHash(m.Root),
		CreatedAt:  m.CreatedAt.UTC(),
		Balances:   make([]types.Balance, len(m.Balances)),
	}
	var err error
	if rec.PercentScale, err = uint256.FromDecimal(m.PercentScale); err != nil {
		return nil, fmt.Errorf("archive: window %s percent scale: %w", m.ID, err)
	}
	if rec.TotalRevenue, err = uint256.FromDecimal(m.TotalRevenue); err != nil {
		return nil, fmt.Errorf("archive: window %s revenue: %w", m.ID, err)
	}
	if rec.Dust, err = uint256.FromDecimal(m.Dust); err != nil {
		return nil, fmt.Errorf("archive: window %s dust: %w", m.ID, err)
	}
	for i, b := range m.Balances {
		alloc, err := uint256.FromDecimal(b.Allocation)
		if err != nil {
			return nil, fmt.Errorf("archive: window %s allocation for %s: %w", m.ID, b.Account, err)
		}
		rec.Balances[i] = types.Balance{Account: common.HexToAddress(b.Account), Allocation: alloc}
	}
	return rec, nil
}
