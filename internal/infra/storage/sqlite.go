package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fix_provider/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// OrderRecord is the persisted form of a CreateOrChangeOrder.
type OrderRecord struct {
	BrokerOrder     string `gorm:"primaryKey"`
	Action          int
	State           int `gorm:"index"`
	Side            int
	Type            int
	Price           string
	Size            string
	Symbol          string `gorm:"index"`
	ExchangeOrderID string
	LogicalOrderID  int64
	SerialNumber    int64
	ReplacedBy      string
	OriginalOrder   string
	CumQty          string
	Sequence        int
	UpdatedAt       time.Time
}

// PositionRecord is the persisted net position of one symbol.
type PositionRecord struct {
	Symbol    string `gorm:"primaryKey"`
	Net       string
	LastSeq   int
	UpdatedAt time.Time
}

// Storage persists order and position snapshots in SQLite.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (creating if needed) the database at path.
func NewStorage(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&OrderRecord{}, &PositionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Order Operations
// ======================================================================================

// SaveOrders upserts order records by broker id.
func (s *Storage) SaveOrders(orders []*domain.CreateOrChangeOrder) error {
	if len(orders) == 0 {
		return nil
	}
	records := make([]OrderRecord, 0, len(orders))
	for _, o := range orders {
		records = append(records, toOrderRecord(o))
	}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&records).Error
}

// LoadOpenOrders returns every order not in a terminal state, by serial number.
func (s *Storage) LoadOpenOrders() ([]*domain.CreateOrChangeOrder, error) {
	var records []OrderRecord
	terminal := []int{int(domain.StateFilled), int(domain.StateCanceled), int(domain.StateRejected)}
	if err := s.db.Where("state NOT IN ?", terminal).Order("serial_number").Find(&records).Error; err != nil {
		return nil, err
	}
	orders := make([]*domain.CreateOrChangeOrder, 0, len(records))
	for _, r := range records {
		o, err := fromOrderRecord(r)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", r.BrokerOrder, err)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// GetOrder retrieves one order by broker id.
func (s *Storage) GetOrder(brokerOrder string) (*domain.CreateOrChangeOrder, error) {
	var r OrderRecord
	err := s.db.First(&r, "broker_order = ?", brokerOrder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return fromOrderRecord(r)
}

// PurgeTerminal deletes terminal orders last updated before cutoff.
func (s *Storage) PurgeTerminal(cutoff time.Time) (int64, error) {
	terminal := []int{int(domain.StateFilled), int(domain.StateCanceled), int(domain.StateRejected)}
	res := s.db.Where("state IN ? AND updated_at < ?", terminal, cutoff).Delete(&OrderRecord{})
	return res.RowsAffected, res.Error
}

// ======================================================================================
// Position Operations
// ======================================================================================

// SavePositions upserts the position book.
func (s *Storage) SavePositions(positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}
	now := time.Now()
	records := make([]PositionRecord, 0, len(positions))
	for _, p := range positions {
		records = append(records, PositionRecord{Symbol: p.Symbol, Net: p.Net.String(), LastSeq: p.LastSeq, UpdatedAt: now})
	}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&records).Error
}

// LoadPositions returns all persisted positions.
func (s *Storage) LoadPositions() ([]domain.Position, error) {
	var records []PositionRecord
	if err := s.db.Order("symbol").Find(&records).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Position, 0, len(records))
	for _, r := range records {
		net, err := decimal.NewFromString(r.Net)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", r.Symbol, err)
		}
		result = append(result, domain.Position{Symbol: r.Symbol, Net: net, LastSeq: r.LastSeq})
	}
	return result, nil
}

func toOrderRecord(o *domain.CreateOrChangeOrder) OrderRecord {
	return OrderRecord{
		BrokerOrder:     o.BrokerOrder,
		Action:          int(o.Action),
		State:           int(o.State),
		Side:            int(o.Side),
		Type:            int(o.Type),
		Price:           o.Price.String(),
		Size:            o.Size.String(),
		Symbol:          o.Symbol,
		ExchangeOrderID: o.ExchangeOrderID,
		LogicalOrderID:  o.LogicalOrderID,
		SerialNumber:    o.SerialNumber,
		ReplacedBy:      o.ReplacedBy,
		OriginalOrder:   o.OriginalOrder,
		CumQty:          o.CumQty.String(),
		Sequence:        o.Sequence,
		UpdatedAt:       o.UpdatedAt,
	}
}

func fromOrderRecord(r OrderRecord) (*domain.CreateOrChangeOrder, error) {
	var err error
	parse := func(s string) decimal.Decimal {
		if err != nil || s == "" {
			return decimal.Zero
		}
		var d decimal.Decimal
		d, err = decimal.NewFromString(s)
		return d
	}
	o := &domain.CreateOrChangeOrder{
		Action:          domain.OrderAction(r.Action),
		State:           domain.OrderState(r.State),
		Side:            domain.Side(r.Side),
		Type:            domain.OrderType(r.Type),
		Price:           parse(r.Price),
		Size:            parse(r.Size),
		Symbol:          r.Symbol,
		BrokerOrder:     r.BrokerOrder,
		ExchangeOrderID: r.ExchangeOrderID,
		LogicalOrderID:  r.LogicalOrderID,
		SerialNumber:    r.SerialNumber,
		ReplacedBy:      r.ReplacedBy,
		OriginalOrder:   r.OriginalOrder,
		CumQty:          parse(r.CumQty),
		Sequence:        r.Sequence,
		UpdatedAt:       r.UpdatedAt,
	}
	return o, err
}
