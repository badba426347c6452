package group

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/WheelShare/WheelShare/internal/errs"
)

// countingProvisioner 记录基金懒创建被触发的次数。
type countingProvisioner struct {
	calls int
}

func (p *countingProvisioner) EnsureGroupFunds(ctx context.Context, groupID string) error {
	p.calls++
	return nil
}

func newTestGroupService(t *testing.T) (*Service, *countingProvisioner) {
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
	if err := db.AutoMigrate(&Group{}, &OwnershipShare{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	funds := &countingProvisioner{}
	return NewService(NewRepo(db), funds), funds
}

func TestCreateGroupRegistersAdmin(t *testing.T) {
	svc, _ := newTestGroupService(t)
	ctx := context.Background()

	g, err := svc.CreateGroup(ctx, CreateGroupInput{
		Name: "weekend car", MemberCapacity: 2, AdminUserID: "u-a", AdminPercent: 6000,
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if g.Active {
		t.Fatalf("new group must start inactive")
	}
	pct, err := svc.MemberPercent(ctx, "u-a", g.ID)
	if err != nil || pct != 6000 {
		t.Fatalf("admin percent = %d, err = %v", pct, err)
	}
	shares, _ := svc.Shares(ctx, g.ID)
	if len(shares) != 1 || shares[0].Role != RoleAdmin {
		t.Fatalf("expected single admin share, got %+v", shares)
	}

	if _, err := svc.CreateGroup(ctx, CreateGroupInput{Name: "", MemberCapacity: 2, AdminUserID: "u", AdminPercent: 100}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty name, got %v", err)
	}
	if _, err := svc.CreateGroup(ctx, CreateGroupInput{Name: "x", MemberCapacity: 2, AdminUserID: "u", AdminPercent: 10001}); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for >100%% share, got %v", err)
	}
}

func TestAddMemberChecksCapacityAndShares(t *testing.T) {
	svc, _ := newTestGroupService(t)
	ctx := context.Background()

	g, err := svc.CreateGroup(ctx, CreateGroupInput{
		Name: "trio", MemberCapacity: 2, AdminUserID: "u-a", AdminPercent: 6000,
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	// 份额之和不能超过 100%
	if _, err := svc.AddMember(ctx, g.ID, "u-b", 5000); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected ErrConflict for >100%%, got %v", err)
	}
	if _, err := svc.AddMember(ctx, g.ID, "u-b", 4000); err != nil {
		t.Fatalf("add member: %v", err)
	}
	// 重复加入
	if _, err := svc.AddMember(ctx, g.ID, "u-b", 1000); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate member, got %v", err)
	}
	// 满员
	if _, err := svc.AddMember(ctx, g.ID, "u-c", 1000); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected ErrConflict for full group, got %v", err)
	}

	if _, err := svc.MemberPercent(ctx, "u-z", g.ID); !errors.Is(err, errs.ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestActivateRequiresExactSum(t *testing.T) {
	svc, funds := newTestGroupService(t)
	ctx := context.Background()

	g, err := svc.CreateGroup(ctx, CreateGroupInput{
		Name: "pair", MemberCapacity: 2, AdminUserID: "u-a", AdminPercent: 6000,
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	// 份额不足 100% 不能激活
	if _, err := svc.Activate(ctx, g.ID); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected ErrConflict below 100%%, got %v", err)
	}
	if funds.calls != 0 {
		t.Fatalf("funds must not be provisioned before activation")
	}

	if _, err := svc.AddMember(ctx, g.ID, "u-b", 4000); err != nil {
		t.Fatalf("add member: %v", err)
	}
	activated, err := svc.Activate(ctx, g.ID)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !activated.Active {
		t.Fatalf("group must be active")
	}
	if funds.calls != 1 {
		t.Fatalf("expected one fund provisioning call, got %d", funds.calls)
	}

	// 幂等：重复激活不重复建基金
	if _, err := svc.Activate(ctx, g.ID); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if funds.calls != 1 {
		t.Fatalf("re-activation must not provision again, got %d", funds.calls)
	}
}
