package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/WheelShare/WheelShare/internal/errs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
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

func (r *Repo) lockIfSupported(q *gorm.DB) *gorm.DB {
	if r.db != nil && r.db.Dialector != nil && r.db.Dialector.Name() == "mysql" {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (r *Repo) Create(ctx context.Context, c *Contract) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Create(c).Error
}

func (r *Repo) Update(ctx context.Context, c *Contract) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Save(c).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Contract, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var c Contract
	if err := db.Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("contract %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetByGroup(ctx context.Context, groupID string) (*Contract, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var c Contract
	if err := db.Where("group_id = ?", groupID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("contract of group %s: %w", groupID, errs.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

// ListByStatus 对账任务按状态扫描合同。
func (r *Repo) ListByStatus(ctx context.Context, status Status) ([]Contract, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var rows []Contract
	if err := db.Where("status = ?", status).Order("updated_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) CreateFeedback(ctx context.Context, f *ContractFeedback) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Create(f).Error
}

func (r *Repo) UpdateFeedback(ctx context.Context, f *ContractFeedback) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Save(f).Error
}

func (r *Repo) GetFeedback(ctx context.Context, id string) (*ContractFeedback, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var f ContractFeedback
	if err := db.Where("id = ?", id).First(&f).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("feedback %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	return &f, nil
}

// LatestFeedback 取 (合同, 成员) 最近一条反馈；没有则返回 ErrNotFound。
func (r *Repo) LatestFeedback(ctx context.Context, contractID, userID string) (*ContractFeedback, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var f ContractFeedback
	err := db.Where("contract_id = ? AND user_id = ?", contractID, userID).
		Order("created_at desc").
		First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("feedback (%s,%s): %w", contractID, userID, errs.ErrNotFound)
		}
		return nil, err
	}
	return &f, nil
}

// ApprovedUserIDs 合同下反馈为 APPROVED 的成员集合（去重）。
func (r *Repo) ApprovedUserIDs(ctx context.Context, tx *gorm.DB, contractID string) (map[string]bool, error) {
	db := tx
	if db == nil {
		db = r.withCtx(ctx)
	}
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var rows []ContractFeedback
	if err := db.Where("contract_id = ? AND status = ?", contractID, FeedbackApproved).Find(&rows).Error; err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(rows))
	for _, f := range rows {
		set[f.UserID] = true
	}
	return set, nil
}

// InTx 在单个事务里执行跨表写入（押金确认等路径使用）。
func (r *Repo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Transaction(fn)
}

// AdvanceInTx 在单个事务里重读合同并执行流转，配合进程内合同锁，
// 防止两个并发反馈同时触发 PENDING_MEMBER_APPROVAL -> SIGNED。
func (r *Repo) AdvanceInTx(ctx context.Context, contractID string, decide func(tx *gorm.DB, c *Contract) (Status, bool, error)) (*Contract, bool, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, false, fmt.Errorf("repo db is nil")
	}
	var out *Contract
	advanced := false
	err := db.Transaction(func(tx *gorm.DB) error {
		var c Contract
		q := tx.Where("id = ?", contractID)
		if err := r.lockIfSupported(q).First(&c).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("contract %s: %w", contractID, errs.ErrNotFound)
			}
			return err
		}

		to, ok, err := decide(tx, &c)
		if err != nil {
			return err
		}
		if !ok {
			out = &c
			return nil
		}
		if err := ApplyTransition(&c, to); err != nil {
			return err
		}
		if err := tx.Save(&c).Error; err != nil {
			return err
		}
		out = &c
		advanced = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, advanced, nil
}
