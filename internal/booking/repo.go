package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// lockIfSupported 在支持行锁的方言（MySQL）上对检查语句加 FOR UPDATE，
// 使“查冲突→写入”在事务边界内串行化；sqlite 等方言由上层进程内锁兜底。
func (r *Repo) lockIfSupported(q *gorm.DB) *gorm.DB {
	if r.db != nil && r.db.Dialector != nil && r.db.Dialector.Name() == "mysql" {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

// CreateChecked 在单个事务里完成配额检查、冲突检查与落库（预约 + 缓冲）。
// quotaLimit < 0 表示跳过配额检查（运维代订等内部路径不会用到，保留扩展位）。
func (r *Repo) CreateChecked(ctx context.Context, b, buf *Booking, quotaLimit, requestedHours int64, weekStart, weekEnd time.Time) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}

	winStart, winEnd := requestWindow(b.StartAt, b.EndAt)

	return db.Transaction(func(tx *gorm.DB) error {
		// 配额：统计本 ISO 周内 PENDING/CONFIRMED 的已订小时数
		if quotaLimit >= 0 {
			var weekRows []Booking
			q := tx.Where("user_id = ? AND vehicle_id = ? AND status IN ?", b.UserID, b.VehicleID, quotaStatuses).
				Where("start_at < ? AND end_at > ?", weekEnd, weekStart)
			if err := r.lockIfSupported(q).Find(&weekRows).Error; err != nil {
				return err
			}
			var booked int64
			for _, row := range weekRows {
				booked += clippedHours(row.StartAt, row.EndAt, weekStart, weekEnd)
			}
			if booked+requestedHours > quotaLimit {
				return fmt.Errorf("quota exceeded: booked %dh + requested %dh > limit %dh: %w",
					booked, requestedHours, quotaLimit, errs.ErrConflict)
			}
		}

		// 冲突：新请求窗口 [start, end+1h) 与任何占用记录的原始区间重叠即拒绝
		var conflicts int64
		q := tx.Model(&Booking{}).
			Where("vehicle_id = ? AND status IN ?", b.VehicleID, conflictStatuses).
			Where("start_at < ? AND end_at > ?", winEnd, winStart)
		if err := r.lockIfSupported(q).Count(&conflicts).Error; err != nil {
			return err
		}
		if conflicts > 0 {
			return fmt.Errorf("slot unavailable for vehicle %s: %w", b.VehicleID, errs.ErrConflict)
		}

		if err := tx.Create(b).Error; err != nil {
			return err
		}
		return tx.Create(buf).Error
	})
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Booking, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var b Booking
	if err := db.Where("id = ?", id).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("booking %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	return &b, nil
}

func (r *Repo) Update(ctx context.Context, b *Booking) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Save(b).Error
}

// BufferOf 返回预约的尾随缓冲记录（可能已随取消删除）。
func (r *Repo) BufferOf(ctx context.Context, bookingID string) (*Booking, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var b Booking
	err := db.Where("parent_id = ? AND status = ?", bookingID, StatusBuffer).First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("buffer of %s: %w", bookingID, errs.ErrNotFound)
		}
		return nil, err
	}
	return &b, nil
}

// Occupied 列出与 [winStart, winEnd) 相交的占用记录，供时段投影使用。
func (r *Repo) Occupied(ctx context.Context, vehicleID string, winStart, winEnd time.Time) ([]Booking, error) {
	db := r.withCtx(ctx)
	if db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var rows []Booking
	err := db.Where("vehicle_id = ? AND status IN ?", vehicleID, conflictStatuses).
		Where("start_at < ? AND end_at > ?", winEnd, winStart).
		Order("start_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CancelWithBuffer 在一个事务里取消预约及其缓冲记录。
func (r *Repo) CancelWithBuffer(ctx context.Context, b *Booking, now time.Time) error {
	db := r.withCtx(ctx)
	if db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return db.Transaction(func(tx *gorm.DB) error {
		b.Status = StatusCancelled
		b.CancelledAt = &now
		if err := tx.Save(b).Error; err != nil {
			return err
		}
		return tx.Model(&Booking{}).
			Where("parent_id = ? AND status = ?", b.ID, StatusBuffer).
			Updates(map[string]interface{}{
				"status":       StatusCancelled,
				"cancelled_at": now,
			}).Error
	})
}
