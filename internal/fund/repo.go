package fund

import (
	"context"
	"errors"
	"fmt"

	"github.com/WheelShare/WheelShare/internal/errs"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) withCtx(ctx context.Context) *gorm.DB {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.WithContext(ctx)
}

func (r *Repo) Create(ctx context.Context, f *SharedFund) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Create(f).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*SharedFund, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var f SharedFund
	if err := db.Where("id = ?", id).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("fund %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	return &f, nil
}

// GetByGroupKind 按 (组, 类型) 查基金。
func (r *Repo) GetByGroupKind(ctx context.Context, groupID string, kind Kind) (*SharedFund, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var f SharedFund
	if err := db.Where("group_id = ? AND kind = ?", groupID, kind).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("fund (%s,%s): %w", groupID, kind, errs.ErrNotFound)
		}
		return nil, err
	}
	return &f, nil
}

// AddBalanceTx 在调用方事务里相对入账并推进版本号。
// 行锁下的相对增量天然原子，不需要 CAS 重试；金额校验由 Ledger 承担。
func (r *Repo) AddBalanceTx(tx *gorm.DB, id string, delta int64) error {
	if tx == nil {
		return fmt.Errorf("tx is nil")
	}
	res := tx.Model(&SharedFund{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", delta),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("fund %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// CompareAndSetBalance 带版本条件地写回余额。
// 返回 false 表示版本已被并发写者推进，调用方需要重读重算。
func (r *Repo) CompareAndSetBalance(ctx context.Context, id string, expectVersion, newBalance int64) (bool, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return false, fmt.Errorf("repo db is nil")
	}
	res := db.Model(&SharedFund{}).
		Where("id = ? AND version = ?", id, expectVersion).
		Updates(map[string]interface{}{
			"balance": newBalance,
			"version": expectVersion + 1,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
