package booking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/WheelShare/WheelShare/internal/errs"
	"github.com/WheelShare/WheelShare/internal/vehicle"
	"github.com/google/uuid"
)

// MembershipResolver 查询用户在组内的份额（万分位），无份额返回 ErrNotAMember。
// 由 group.Service 实现。
type MembershipResolver interface {
	MemberPercent(ctx context.Context, userID, groupID string) (int64, error)
}

// Service 封装单车预约时间线的冲突/配额逻辑。
//
// “查冲突→写入”是典型的 check-then-act：进程内按车辆加锁，
// 事务内在 MySQL 上再加行锁，两个并发的重叠请求只会有一个成功。
type Service struct {
	repo     *Repo
	vehicles *vehicle.Repo
	members  MembershipResolver

	mu    sync.Mutex
	locks map[string]*sync.Mutex // vehicleID -> 串行化锁
}

func NewService(repo *Repo, vehicles *vehicle.Repo, members MembershipResolver) *Service {
	return &Service{
		repo:     repo,
		vehicles: vehicles,
		members:  members,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) vehicleLock(vehicleID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[vehicleID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[vehicleID] = l
	}
	return l
}

// CreateBookingInput 创建预约入参。
type CreateBookingInput struct {
	UserID    string
	VehicleID string
	StartAt   time.Time
	EndAt     time.Time
}

// CreateBooking 校验配额与冲突后落库，同时生成尾随一小时的 BUFFER 记录。
func (s *Service) CreateBooking(ctx context.Context, in CreateBookingInput) (*Booking, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	userID := strings.TrimSpace(in.UserID)
	vehicleID := strings.TrimSpace(in.VehicleID)
	if userID == "" || vehicleID == "" {
		return nil, fmt.Errorf("user_id and vehicle_id required: %w", errs.ErrInvalidInput)
	}
	if !in.EndAt.After(in.StartAt) {
		return nil, fmt.Errorf("end must be after start: %w", errs.ErrInvalidInput)
	}

	v, err := s.vehicles.FindByID(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	percent, err := s.members.MemberPercent(ctx, userID, v.GroupID)
	if err != nil {
		return nil, err
	}

	quotaLimit := quotaLimitHours(percent)
	requested := clippedHours(in.StartAt, in.EndAt, in.StartAt, in.EndAt)
	weekStart, weekEnd := isoWeekWindow(in.StartAt)

	b := &Booking{
		ID:        uuid.NewString(),
		UserID:    userID,
		VehicleID: vehicleID,
		StartAt:   in.StartAt,
		EndAt:     in.EndAt,
		Status:    StatusPending,
	}
	buf := &Booking{
		ID:        uuid.NewString(),
		UserID:    userID,
		VehicleID: vehicleID,
		StartAt:   in.EndAt,
		EndAt:     in.EndAt.Add(BufferWindow),
		Status:    StatusBuffer,
		ParentID:  b.ID,
	}

	lock := s.vehicleLock(vehicleID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.repo.CreateChecked(ctx, b, buf, quotaLimit, requested, weekStart, weekEnd); err != nil {
		return nil, err
	}
	return b, nil
}

// ConfirmBooking PENDING → CONFIRMED；已是 CONFIRMED 则幂等返回。
func (s *Service) ConfirmBooking(ctx context.Context, id string) (*Booking, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	b, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case StatusConfirmed:
		return b, nil
	case StatusPending:
		b.Status = StatusConfirmed
		if err := s.repo.Update(ctx, b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("confirm booking in status %s: %w", b.Status, errs.ErrInvalidTransition)
	}
}

// CancelBooking 取消预约及其缓冲。重复取消幂等。
func (s *Service) CancelBooking(ctx context.Context, id string, now time.Time) (*Booking, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	b, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case StatusCancelled:
		return b, nil
	case StatusPending, StatusConfirmed:
		if err := s.repo.CancelWithBuffer(ctx, b, now); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("cancel booking in status %s: %w", b.Status, errs.ErrInvalidTransition)
	}
}

// CompleteBooking 结束时间过后做收尾检查：通过记 COMPLETED，异常记 NEEDS_ATTENTION。
func (s *Service) CompleteBooking(ctx context.Context, id string, inspectionOK bool, now time.Time) (*Booking, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	b, err := s.repo.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if b.Status != StatusConfirmed {
		return nil, fmt.Errorf("complete booking in status %s: %w", b.Status, errs.ErrInvalidTransition)
	}
	if now.Before(b.EndAt) {
		return nil, fmt.Errorf("booking has not ended yet: %w", errs.ErrInvalidInput)
	}
	if inspectionOK {
		b.Status = StatusCompleted
	} else {
		b.Status = StatusNeedsAttention
	}
	b.CompletedAt = &now
	if err := s.repo.Update(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Slot 一段可预约的空闲时段。
type Slot struct {
	StartAt time.Time
	EndAt   time.Time
}

// DaySlots 某车某天的空闲时段投影，与 CreateBooking 使用同一占用语义：
// 按整段预订一个时段时，它自己的尾随缓冲也要放得下，
// 所以向后多看一个缓冲窗口，并把紧邻占用记录的时段截短一小时，
// 保证列出来的时段都订得进去。
func (s *Service) DaySlots(ctx context.Context, vehicleID string, day time.Time) ([]Slot, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	rows, err := s.repo.Occupied(ctx, vehicleID, dayStart, dayEnd.Add(BufferWindow))
	if err != nil {
		return nil, err
	}

	var slots []Slot
	cursor := dayStart
	for _, row := range rows {
		if row.StartAt.After(cursor) {
			end := row.StartAt.Add(-BufferWindow)
			if end.After(dayEnd) {
				end = dayEnd
			}
			if end.After(cursor) {
				slots = append(slots, Slot{StartAt: cursor, EndAt: end})
			}
		}
		if row.EndAt.After(cursor) {
			cursor = row.EndAt
		}
	}
	if cursor.Before(dayEnd) {
		slots = append(slots, Slot{StartAt: cursor, EndAt: dayEnd})
	}
	return slots, nil
}

// nextAvailableHorizon 向后搜索空闲时段的最大范围。
const nextAvailableHorizon = 14 * 24 * time.Hour

// NextAvailable 返回 after 之后第一个能容纳 dur（含尾随缓冲）的开始时间。
func (s *Service) NextAvailable(ctx context.Context, vehicleID string, after time.Time, dur time.Duration) (time.Time, error) {
	if s == nil || s.repo == nil {
		return time.Time{}, fmt.Errorf("service not initialized")
	}
	if dur <= 0 {
		return time.Time{}, fmt.Errorf("duration must be positive: %w", errs.ErrInvalidInput)
	}

	horizonEnd := after.Add(nextAvailableHorizon)
	rows, err := s.repo.Occupied(ctx, vehicleID, after, horizonEnd)
	if err != nil {
		return time.Time{}, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartAt.Before(rows[j].StartAt) })

	candidate := after
	needed := dur + BufferWindow
	for _, row := range rows {
		if overlaps(candidate, candidate.Add(needed), row.StartAt, row.EndAt) {
			if row.EndAt.After(candidate) {
				candidate = row.EndAt
			}
		}
	}
	if candidate.Add(dur).After(horizonEnd) {
		return time.Time{}, fmt.Errorf("no slot within horizon: %w", errs.ErrNotFound)
	}
	return candidate, nil
}
