package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/WheelShare/WheelShare/internal/errs"
	"github.com/WheelShare/WheelShare/internal/group"
	"github.com/WheelShare/WheelShare/internal/vehicle"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type staticMembers map[string]int64 // userID -> percent（万分位）

func (m staticMembers) MemberPercent(ctx context.Context, userID, groupID string) (int64, error) {
	pct, ok := m[userID]
	if !ok {
		return 0, errs.ErrNotAMember
	}
	return pct, nil
}

func newTestService(t *testing.T, members staticMembers) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// 内存库按连接隔离，固定单连接保证所有会话看到同一份数据
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Booking{}, &vehicle.Vehicle{}, &group.Group{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	vrepo := vehicle.NewRepo(db)
	if err := vrepo.Upsert(context.Background(), &vehicle.Vehicle{
		ID:          "veh-1",
		GroupID:     "grp-1",
		PlateNumber: "TEST-001",
		Status:      "available",
	}); err != nil {
		t.Fatalf("seed vehicle: %v", err)
	}

	return NewService(NewRepo(db), vrepo, members), db
}

func TestCreateBookingWithBuffer(t *testing.T) {
	svc, db := newTestService(t, staticMembers{"u-1": 6000})
	ctx := context.Background()

	b, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1",
		StartAt: ts(10), EndAt: ts(12),
	})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	if b.Status != StatusPending {
		t.Fatalf("expected pending, got %s", b.Status)
	}

	// 缓冲不变式：紧随其后、正好一小时、同主人
	var buf Booking
	if err := db.Where("parent_id = ?", b.ID).First(&buf).Error; err != nil {
		t.Fatalf("buffer row missing: %v", err)
	}
	if buf.Status != StatusBuffer {
		t.Fatalf("expected buffer status, got %s", buf.Status)
	}
	if !buf.StartAt.Equal(b.EndAt) || buf.EndAt.Sub(buf.StartAt) != time.Hour {
		t.Fatalf("buffer must span [end, end+1h), got [%s,%s)", buf.StartAt, buf.EndAt)
	}
	if buf.UserID != b.UserID || buf.VehicleID != b.VehicleID {
		t.Fatalf("buffer owner mismatch")
	}
}

func TestCreateBookingRejectsInvalidRange(t *testing.T) {
	svc, _ := newTestService(t, staticMembers{"u-1": 6000})
	_, err := svc.CreateBooking(context.Background(), CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1",
		StartAt: ts(12), EndAt: ts(12),
	})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCreateBookingRejectsNonMember(t *testing.T) {
	svc, _ := newTestService(t, staticMembers{"u-1": 6000})
	_, err := svc.CreateBooking(context.Background(), CreateBookingInput{
		UserID: "stranger", VehicleID: "veh-1",
		StartAt: ts(10), EndAt: ts(12),
	})
	if !errors.Is(err, errs.ErrNotAMember) {
		t.Fatalf("expected not-a-member, got %v", err)
	}
}

func TestConflictWithinBufferWindow(t *testing.T) {
	svc, _ := newTestService(t, staticMembers{"u-1": 6000, "u-2": 4000})
	ctx := context.Background()

	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: ts(10), EndAt: ts(12),
	}); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	// 正好接在结束时刻：落在缓冲里，必须拒绝
	_, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-2", VehicleID: "veh-1", StartAt: ts(12), EndAt: ts(13),
	})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict inside buffer, got %v", err)
	}

	// 缓冲结束之后可以订
	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-2", VehicleID: "veh-1", StartAt: ts(13), EndAt: ts(14),
	}); err != nil {
		t.Fatalf("booking after buffer: %v", err)
	}

	// 新请求的尾随缓冲也会挡住既有预约：15:00-16:00 占用后，14:00-15:00 的
	// 请求因为自己的缓冲 [15,16) 撞上而被拒
	svc2, _ := newTestService(t, staticMembers{"u-1": 6000, "u-2": 4000})
	if _, err := svc2.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: ts(15), EndAt: ts(16),
	}); err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	_, err = svc2.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-2", VehicleID: "veh-1", StartAt: ts(14), EndAt: ts(15),
	})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict via own trailing buffer, got %v", err)
	}
}

func TestWeeklyQuotaEnforced(t *testing.T) {
	// 10% 份额 -> floor(168*0.1) = 16 小时
	svc, _ := newTestService(t, staticMembers{"u-1": 1000})
	ctx := context.Background()

	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: ts(0), EndAt: ts(10),
	}); err != nil {
		t.Fatalf("first 10h booking: %v", err)
	}

	// 已订 10h + 请求 8h > 16h
	_, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1",
		StartAt: ts(0).AddDate(0, 0, 1), EndAt: ts(8).AddDate(0, 0, 1),
	})
	if !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected quota conflict, got %v", err)
	}

	// 6h 刚好到 16h，放行
	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1",
		StartAt: ts(0).AddDate(0, 0, 1), EndAt: ts(6).AddDate(0, 0, 1),
	}); err != nil {
		t.Fatalf("6h booking within quota: %v", err)
	}

	// 下一个 ISO 周配额重新计算
	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1",
		StartAt: ts(0).AddDate(0, 0, 7), EndAt: ts(10).AddDate(0, 0, 7),
	}); err != nil {
		t.Fatalf("next week booking: %v", err)
	}
}

func TestConfirmBookingTransitions(t *testing.T) {
	svc, _ := newTestService(t, staticMembers{"u-1": 6000})
	ctx := context.Background()

	b, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: ts(10), EndAt: ts(12),
	})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	c1, err := svc.ConfirmBooking(ctx, b.ID)
	if err != nil || c1.Status != StatusConfirmed {
		t.Fatalf("confirm: %v status=%s", err, c1.Status)
	}
	// 幂等
	c2, err := svc.ConfirmBooking(ctx, b.ID)
	if err != nil || c2.Status != StatusConfirmed {
		t.Fatalf("re-confirm must be a no-op: %v", err)
	}

	if _, err := svc.CancelBooking(ctx, b.ID, ts(9)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.ConfirmBooking(ctx, b.ID); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("confirm after cancel must fail, got %v", err)
	}
}

func TestCancelFreesSlot(t *testing.T) {
	svc, db := newTestService(t, staticMembers{"u-1": 6000, "u-2": 4000})
	ctx := context.Background()

	b, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: ts(10), EndAt: ts(12),
	})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	if _, err := svc.CancelBooking(ctx, b.ID, ts(9)); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// 缓冲也一并取消
	var buf Booking
	if err := db.Where("parent_id = ?", b.ID).First(&buf).Error; err != nil {
		t.Fatalf("buffer lookup: %v", err)
	}
	if buf.Status != StatusCancelled {
		t.Fatalf("buffer must be cancelled too, got %s", buf.Status)
	}

	// 时段重新可订
	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-2", VehicleID: "veh-1", StartAt: ts(10), EndAt: ts(12),
	}); err != nil {
		t.Fatalf("rebooking freed slot: %v", err)
	}
}

func TestConcurrentOverlappingBookingsOneWins(t *testing.T) {
	svc, db := newTestService(t, staticMembers{"u-1": 5000, "u-2": 5000})
	ctx := context.Background()

	var wg sync.WaitGroup
	errsCh := make(chan error, 2)
	for _, uid := range []string{"u-1", "u-2"} {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			_, err := svc.CreateBooking(ctx, CreateBookingInput{
				UserID: uid, VehicleID: "veh-1", StartAt: ts(10), EndAt: ts(12),
			})
			errsCh <- err
		}(uid)
	}
	wg.Wait()
	close(errsCh)

	var okCount, conflictCount int
	for err := range errsCh {
		if err == nil {
			okCount++
		} else if errors.Is(err, errs.ErrConflict) {
			conflictCount++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || conflictCount != 1 {
		t.Fatalf("expected exactly one winner, got ok=%d conflict=%d", okCount, conflictCount)
	}

	var pending int64
	if err := db.Model(&Booking{}).Where("status = ?", StatusPending).Count(&pending).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected a single pending booking, got %d", pending)
	}
}

func TestDaySlotsMatchesOverlapSemantics(t *testing.T) {
	svc, _ := newTestService(t, staticMembers{"u-1": 6000})
	ctx := context.Background()

	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: ts(10), EndAt: ts(12),
	}); err != nil {
		t.Fatalf("seed booking: %v", err)
	}

	slots, err := svc.DaySlots(ctx, "veh-1", ts(0))
	if err != nil {
		t.Fatalf("DaySlots: %v", err)
	}
	// 预约 [10,12) + 缓冲 [12,13)：订到 10:00 的请求自己的缓冲会撞上，
	// 所以第一段空闲截到 09:00，第二段从 13:00 到当天结束
	if len(slots) != 2 {
		t.Fatalf("expected 2 free slots, got %d: %#v", len(slots), slots)
	}
	if !slots[0].EndAt.Equal(ts(9)) {
		t.Fatalf("first slot must end at 09:00, got %s", slots[0].EndAt)
	}
	if !slots[1].StartAt.Equal(ts(13)) || !slots[1].EndAt.Equal(ts(24)) {
		t.Fatalf("second slot must span [13:00,24:00), got [%s,%s)", slots[1].StartAt, slots[1].EndAt)
	}

	// 列出来的时段按整段预订必须成功
	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: slots[0].StartAt, EndAt: slots[0].EndAt,
	}); err != nil {
		t.Fatalf("booking the listed slot: %v", err)
	}
}

func TestDaySlotsListsOnlyBookableSpans(t *testing.T) {
	svc, _ := newTestService(t, staticMembers{"u-1": 6000})
	ctx := context.Background()

	for _, span := range [][2]int{{10, 12}, {15, 16}} {
		if _, err := svc.CreateBooking(ctx, CreateBookingInput{
			UserID: "u-1", VehicleID: "veh-1", StartAt: ts(span[0]), EndAt: ts(span[1]),
		}); err != nil {
			t.Fatalf("seed booking [%d,%d): %v", span[0], span[1], err)
		}
	}

	slots, err := svc.DaySlots(ctx, "veh-1", ts(0))
	if err != nil {
		t.Fatalf("DaySlots: %v", err)
	}
	// 占用 [10,13) 与 [15,17)（含缓冲）：两段之间的空闲要给新预约的
	// 缓冲留出一小时，只能列 [13,14) 而不是 [13,15)
	want := [][2]int{{0, 9}, {13, 14}, {17, 24}}
	if len(slots) != len(want) {
		t.Fatalf("expected %d slots, got %d: %#v", len(want), len(slots), slots)
	}
	for i, w := range want {
		if !slots[i].StartAt.Equal(ts(w[0])) || !slots[i].EndAt.Equal(ts(w[1])) {
			t.Fatalf("slot %d = [%s,%s), want [%d:00,%d:00)", i, slots[i].StartAt, slots[i].EndAt, w[0], w[1])
		}
	}

	// 两段占用之间列出的时段按整段预订必须成功
	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: slots[1].StartAt, EndAt: slots[1].EndAt,
	}); err != nil {
		t.Fatalf("booking the gap slot: %v", err)
	}
}

func TestCompleteBookingTransitions(t *testing.T) {
	svc, _ := newTestService(t, staticMembers{"u-1": 6000})
	ctx := context.Background()

	b, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: ts(10), EndAt: ts(12),
	})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}

	// 未确认的预约不能收尾
	if _, err := svc.CompleteBooking(ctx, b.ID, true, ts(12)); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("complete pending must fail, got %v", err)
	}
	if _, err := svc.ConfirmBooking(ctx, b.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// 结束之前不能收尾
	if _, err := svc.CompleteBooking(ctx, b.ID, true, ts(11)); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("complete before end must fail, got %v", err)
	}

	done, err := svc.CompleteBooking(ctx, b.ID, true, ts(12))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp: %+v", done)
	}

	// 检查不通过记 NEEDS_ATTENTION
	b2, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: ts(14), EndAt: ts(15),
	})
	if err != nil {
		t.Fatalf("second booking: %v", err)
	}
	if _, err := svc.ConfirmBooking(ctx, b2.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	flagged, err := svc.CompleteBooking(ctx, b2.ID, false, ts(15))
	if err != nil {
		t.Fatalf("complete with failed inspection: %v", err)
	}
	if flagged.Status != StatusNeedsAttention {
		t.Fatalf("expected needs_attention, got %s", flagged.Status)
	}
}

func TestNextAvailableSkipsBuffer(t *testing.T) {
	svc, _ := newTestService(t, staticMembers{"u-1": 6000})
	ctx := context.Background()

	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: ts(10), EndAt: ts(12),
	}); err != nil {
		t.Fatalf("seed booking: %v", err)
	}

	start, err := svc.NextAvailable(ctx, "veh-1", ts(10), time.Hour)
	if err != nil {
		t.Fatalf("NextAvailable: %v", err)
	}
	if !start.Equal(ts(13)) {
		t.Fatalf("expected 13:00 (after booking+buffer), got %s", start)
	}

	// 返回的时段必须真的订得进去
	if _, err := svc.CreateBooking(ctx, CreateBookingInput{
		UserID: "u-1", VehicleID: "veh-1", StartAt: start, EndAt: start.Add(time.Hour),
	}); err != nil {
		t.Fatalf("booking the suggested slot: %v", err)
	}
}
