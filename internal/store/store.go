// Package store persists trading orders, positions and subscriber accounts
// using Gorm + SQLite.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"mirra/internal/domain"
	"mirra/internal/store/model"
)

var ErrNotFound = errors.New("store: record not found")

// Store wraps one SQLite database. Safe for concurrent use; SQLite WAL plus a
// small connection pool keeps writer contention low.
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: 数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&model.TradingOrderModel{},
		&model.PositionModel{},
		&model.SubscriberModel{},
	); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func nowUnix() int64 { return time.Now().Unix() }

// --- trading orders ---

func (s *Store) CreateOrder(ctx context.Context, order *model.TradingOrderModel) error {
	order.CreatedAtUnix = nowUnix()
	order.UpdatedAtUnix = order.CreatedAtUnix
	return s.db.WithContext(ctx).Create(order).Error
}

// CreateOrders bulk-inserts the copy orders produced by one fan-out.
func (s *Store) CreateOrders(ctx context.Context, orders []*model.TradingOrderModel) error {
	if len(orders) == 0 {
		return nil
	}
	now := nowUnix()
	for _, o := range orders {
		o.CreatedAtUnix = now
		o.UpdatedAtUnix = now
	}
	return s.db.WithContext(ctx).CreateInBatches(orders, 100).Error
}

func (s *Store) UpdateOrder(ctx context.Context, order *model.TradingOrderModel) error {
	order.UpdatedAtUnix = nowUnix()
	return s.db.WithContext(ctx).Save(order).Error
}

// UpdateOrders applies the outcome batch of a cancel/close/edit fan-out in
// one transaction.
func (s *Store) UpdateOrders(ctx context.Context, orders []*model.TradingOrderModel) error {
	if len(orders) == 0 {
		return nil
	}
	now := nowUnix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, o := range orders {
			o.UpdatedAtUnix = now
			if err := tx.Save(o).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetOrder(ctx context.Context, id uint64) (*model.TradingOrderModel, error) {
	var order model.TradingOrderModel
	err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListCopyOrders returns every copy of a root order, oldest first.
func (s *Store) ListCopyOrders(ctx context.Context, rootID uint64) ([]model.TradingOrderModel, error) {
	var orders []model.TradingOrderModel
	err := s.db.WithContext(ctx).
		Where("parent_order_id = ?", rootID).
		Order("id ASC").
		Find(&orders).Error
	return orders, err
}

// --- positions ---

func (s *Store) CreatePosition(ctx context.Context, pos *model.PositionModel) error {
	pos.CreatedAtUnix = nowUnix()
	pos.UpdatedAtUnix = pos.CreatedAtUnix
	return s.db.WithContext(ctx).Create(pos).Error
}

// CreatePositions bulk-inserts the positions opened by one fan-out.
func (s *Store) CreatePositions(ctx context.Context, positions []*model.PositionModel) error {
	if len(positions) == 0 {
		return nil
	}
	now := nowUnix()
	for _, p := range positions {
		p.CreatedAtUnix = now
		p.UpdatedAtUnix = now
	}
	return s.db.WithContext(ctx).CreateInBatches(positions, 100).Error
}

func (s *Store) GetPosition(ctx context.Context, id uint64) (*model.PositionModel, error) {
	var pos model.PositionModel
	err := s.db.WithContext(ctx).First(&pos, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// SaveScanCursor persists only the reconciliation resumption state so a
// bounded scan can pick up where it stopped.
func (s *Store) SaveScanCursor(ctx context.Context, pos *model.PositionModel) error {
	return s.db.WithContext(ctx).Model(&model.PositionModel{}).
		Where("id = ?", pos.ID).
		Updates(map[string]any{
			"orders_cursor":    pos.OrdersCursor,
			"pnl_cursor":       pos.PnLCursor,
			"matched_order_id": pos.MatchedOrderID,
			"updated_at":       nowUnix(),
		}).Error
}

// ListReconcilable returns open positions whose close is awaiting an exchange
// record, oldest first.
func (s *Store) ListReconcilable(ctx context.Context, limit int) ([]model.PositionModel, error) {
	var positions []model.PositionModel
	q := s.db.WithContext(ctx).
		Where("status = ? AND close_pending = ?", domain.PositionOpen, true).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&positions).Error
	return positions, err
}

// MarkClosePending flags a position for the reconciliation scanner.
func (s *Store) MarkClosePending(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).Model(&model.PositionModel{}).
		Where("id = ? AND status = ?", id, domain.PositionOpen).
		Updates(map[string]any{"close_pending": true, "updated_at": nowUnix()}).Error
}

// FinalizePosition moves an OPEN position to a terminal status. The status
// guard in the WHERE clause is the optimistic check: a concurrent manual
// close loses the race instead of overwriting it. Returns false when no row
// was updated.
func (s *Store) FinalizePosition(ctx context.Context, pos *model.PositionModel) (bool, error) {
	if !domain.PositionOpen.CanTransition(pos.Status) {
		return false, fmt.Errorf("store: 持仓不能从 OPEN 进入 %s", pos.Status)
	}
	res := s.db.WithContext(ctx).Model(&model.PositionModel{}).
		Where("id = ? AND status = ?", pos.ID, domain.PositionOpen).
		Updates(map[string]any{
			"status":                pos.Status,
			"avg_exit_price":        pos.AvgExitPrice,
			"closed_pnl":            pos.ClosedPnL,
			"closed_pnl_percentage": pos.ClosedPnLPct,
			"closed_datetime":       pos.ClosedAtUnix,
			"close_pending":         false,
			"updated_at":            nowUnix(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// --- subscribers ---

// ListEligibleSubscribers resolves the fan-out audience for one exchange:
// active copy-setting, credentials present, subscription not expired.
func (s *Store) ListEligibleSubscribers(ctx context.Context, exchange string, now time.Time) ([]model.SubscriberModel, error) {
	var subs []model.SubscriberModel
	err := s.db.WithContext(ctx).
		Where("exchange = ? AND active = ? AND api_key <> ''", exchange, true).
		Where("subscription_expires_at = 0 OR subscription_expires_at > ?", now.Unix()).
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

func (s *Store) GetSubscriber(ctx context.Context, id uint64) (*model.SubscriberModel, error) {
	var sub model.SubscriberModel
	err := s.db.WithContext(ctx).First(&sub, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscribers imports seed accounts, keyed by name.
func (s *Store) UpsertSubscribers(ctx context.Context, subs []model.SubscriberModel) error {
	if len(subs) == 0 {
		return nil
	}
	now := nowUnix()
	for i := range subs {
		subs[i].CreatedAtUnix = now
		subs[i].UpdatedAtUnix = now
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"exchange", "api_key", "secret", "password",
			"active", "margin", "take_profit_pct", "stop_loss_pct",
			"subscription_expires_at", "updated_at",
		}),
	}).Create(&subs).Error
}
