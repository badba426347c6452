package payment

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

func (r *Repo) Create(ctx context.Context, p *Payment) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Create(p).Error
}

func (r *Repo) Update(ctx context.Context, p *Payment) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Save(p).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Payment, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var p Payment
	if err := db.Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payment %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// GetByExternalRef 网关回调按我方订单号定位支付单。
func (r *Repo) GetByExternalRef(ctx context.Context, ref string) (*Payment, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var p Payment
	if err := db.Where("external_ref = ?", ref).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("payment ref %s: %w", ref, errs.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// ListCompletedDeposits 组内已完成的押金支付（退款与对账用）。
func (r *Repo) ListCompletedDeposits(ctx context.Context, groupID string) ([]Payment, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var rows []Payment
	err := db.Where("group_id = ? AND type = ? AND status = ?", groupID, TypeDeposit, StatusCompleted).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
