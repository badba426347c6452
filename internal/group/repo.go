package group

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

func (r *Repo) CreateGroup(ctx context.Context, g *Group) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Create(g).Error
}

func (r *Repo) GetGroup(ctx context.Context, id string) (*Group, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var g Group
	if err := db.Where("id = ?", id).First(&g).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("group %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	return &g, nil
}

func (r *Repo) UpdateGroup(ctx context.Context, g *Group) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Save(g).Error
}

// AddShare 新增成员份额；重复加入返回 Conflict。
func (r *Repo) AddShare(ctx context.Context, s *OwnershipShare) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	var count int64
	if err := db.Model(&OwnershipShare{}).
		Where("user_id = ? AND group_id = ?", s.UserID, s.GroupID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("user %s already in group %s: %w", s.UserID, s.GroupID, errs.ErrConflict)
	}
	return db.Create(s).Error
}

func (r *Repo) GetShare(ctx context.Context, userID, groupID string) (*OwnershipShare, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var s OwnershipShare
	if err := db.Where("user_id = ? AND group_id = ?", userID, groupID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("share (%s,%s): %w", userID, groupID, errs.ErrNotFound)
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repo) ListShares(ctx context.Context, groupID string) ([]OwnershipShare, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var shares []OwnershipShare
	if err := db.Where("group_id = ?", groupID).Order("joined_at asc").Find(&shares).Error; err != nil {
		return nil, err
	}
	return shares, nil
}

// UpdateShareDeposit 更新成员押金状态与已缴金额。
func (r *Repo) UpdateShareDeposit(ctx context.Context, userID, groupID string, status DepositStatus, paidAmount int64) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return updateShareDeposit(db, userID, groupID, status, paidAmount)
}

// UpdateShareDepositTx 事务版本，与支付单、基金写入同事务提交。
func (r *Repo) UpdateShareDepositTx(tx *gorm.DB, userID, groupID string, status DepositStatus, paidAmount int64) error {
	if tx == nil {
		return fmt.Errorf("tx is nil")
	}
	return updateShareDeposit(tx, userID, groupID, status, paidAmount)
}

func updateShareDeposit(db *gorm.DB, userID, groupID string, status DepositStatus, paidAmount int64) error {
	res := db.Model(&OwnershipShare{}).
		Where("user_id = ? AND group_id = ?", userID, groupID).
		Updates(map[string]interface{}{
			"deposit_status": status,
			"paid_amount":    paidAmount,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("share (%s,%s): %w", userID, groupID, errs.ErrNotFound)
	}
	return nil
}
