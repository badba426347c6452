package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/WheelShare/WheelShare/internal/common/config"
	"github.com/WheelShare/WheelShare/internal/contract"
	"github.com/WheelShare/WheelShare/internal/fund"
	"github.com/WheelShare/WheelShare/internal/group"
	"github.com/WheelShare/WheelShare/internal/notify"
	"github.com/WheelShare/WheelShare/internal/payment"
	"github.com/WheelShare/WheelShare/internal/vehicle"
)

type recordingNotifier struct {
	mu     sync.Mutex
	users  map[string][]notify.Message
	groups map[string][]notify.Message
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		users:  make(map[string][]notify.Message),
		groups: make(map[string][]notify.Message),
	}
}

func (n *recordingNotifier) NotifyUser(_ context.Context, userID string, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users[userID] = append(n.users[userID], msg)
}

func (n *recordingNotifier) NotifyGroup(_ context.Context, groupID string, msg notify.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups[groupID] = append(n.groups[groupID], msg)
}

func (n *recordingNotifier) userKinds(userID string) []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []notify.Kind
	for _, m := range n.users[userID] {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

func (n *recordingNotifier) groupKinds(groupID string) []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []notify.Kind
	for _, m := range n.groups[groupID] {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

// fakeGateway 记录退款请求，可配置为失败。
type fakeGateway struct {
	mu    sync.Mutex
	calls []payment.RefundRequest
	fail  bool
}

func (g *fakeGateway) Refund(_ context.Context, req payment.RefundRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.fail {
		return fmt.Errorf("gateway unavailable")
	}
	return nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type testEnv struct {
	db        *gorm.DB
	rec       *Reconciler
	contracts *contract.Repo
	groups    *group.Repo
	payments  *payment.Repo
	ledger    *fund.Ledger
	gateway   *fakeGateway
	notifier  *recordingNotifier
	cfg       config.ReconcilerConfig
}

func newTestEnv(t *testing.T) *testEnv {
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
	err = db.AutoMigrate(
		&contract.Contract{}, &contract.ContractFeedback{},
		&group.Group{}, &group.OwnershipShare{},
		&vehicle.Vehicle{}, &fund.SharedFund{}, &payment.Payment{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	contracts := contract.NewRepo(db)
	groups := group.NewRepo(db)
	payments := payment.NewRepo(db)
	ledger := fund.NewLedger(fund.NewRepo(db), nil)
	notifier := newRecordingNotifier()
	gateway := &fakeGateway{}
	svc := contract.NewService(
		contracts, groups, vehicle.NewRepo(db), payments,
		ledger, notifier, config.DepositConfig{BaseAmount: 5_000_000, ValueRate: 0.10, CapacityFee: 0.1}, nil,
	)
	cfg := config.ReconcilerConfig{IntervalSeconds: 60, GraceMinutes: 60, ReminderWindowMinutes: 10}
	rec := New(contracts, svc, groups, payments, ledger, gateway, notifier, cfg, nil)
	return &testEnv{
		db: db, rec: rec, contracts: contracts, groups: groups,
		payments: payments, ledger: ledger, gateway: gateway, notifier: notifier, cfg: cfg,
	}
}

// seedSignedContract 搭一个已签署、u-a 已缴 / u-b 未缴的组，返回合同与截止时间。
func seedSignedContract(t *testing.T, env *testEnv, bothPaid bool) (*contract.Contract, time.Time) {
	t.Helper()
	ctx := context.Background()

	if err := env.groups.CreateGroup(ctx, &group.Group{ID: "grp-1", Name: "grp-1", MemberCapacity: 2, Active: true}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	shares := []*group.OwnershipShare{
		{UserID: "u-a", GroupID: "grp-1", Percent: 6000, Role: group.RoleAdmin, DepositStatus: group.DepositPaid, PaidAmount: 60_000_000},
		{UserID: "u-b", GroupID: "grp-1", Percent: 4000, Role: group.RoleMember, DepositStatus: group.DepositPending},
	}
	if bothPaid {
		shares[1].DepositStatus = group.DepositPaid
		shares[1].PaidAmount = 40_000_000
	}
	for _, sh := range shares {
		if err := env.groups.AddShare(ctx, sh); err != nil {
			t.Fatalf("add share: %v", err)
		}
	}

	if err := env.ledger.EnsureGroupFunds(ctx, "grp-1"); err != nil {
		t.Fatalf("ensure funds: %v", err)
	}
	reserve, err := env.ledger.GroupFund(ctx, "grp-1", fund.KindDepositReserve)
	if err != nil {
		t.Fatalf("get reserve: %v", err)
	}
	if _, err := env.ledger.Increase(ctx, reserve.ID, 60_000_000); err != nil {
		t.Fatalf("credit reserve: %v", err)
	}

	completed := time.Now().Add(-time.Hour)
	p := &payment.Payment{
		ID: "pay-a", PayerID: "u-a", GroupID: "grp-1",
		Amount: 60_000_000, Type: payment.TypeDeposit,
		Status: payment.StatusCompleted, ExternalRef: "WS-ref-a",
		GatewayTxnID: "gw-a", CompletedAt: &completed,
	}
	if err := env.payments.Create(ctx, p); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	c := &contract.Contract{
		ID: "ct-1", GroupID: "grp-1", Status: contract.StatusSigned,
		RequiredDeposit: 100_000_000, StartDate: start, EndDate: start.AddDate(1, 0, 0),
	}
	if err := env.contracts.Create(ctx, c); err != nil {
		t.Fatalf("create contract: %v", err)
	}
	stored, err := env.contracts.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("reload contract: %v", err)
	}
	return stored, stored.DeadlineAnchor().Add(env.cfg.GracePeriod())
}

func TestExpiryRejectsAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, deadline := seedSignedContract(t, env, false)

	env.rec.RunOnce(ctx, deadline.Add(time.Minute))

	got, err := env.contracts.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if got.Status != contract.StatusRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
	if got.RejectionReason == "" {
		t.Fatalf("rejection reason must be recorded")
	}

	// 已缴成员：份额退款、押金池出账、支付单置 REFUNDED
	sh, _ := env.groups.GetShare(ctx, "u-a", "grp-1")
	if sh.DepositStatus != group.DepositRefunded {
		t.Fatalf("expected refunded share, got %s", sh.DepositStatus)
	}
	reserve, _ := env.ledger.GroupFund(ctx, "grp-1", fund.KindDepositReserve)
	if reserve.Balance != 0 {
		t.Fatalf("reserve must be drained, got %d", reserve.Balance)
	}
	p, _ := env.payments.GetByExternalRef(ctx, "WS-ref-a")
	if p.Status != payment.StatusRefunded || p.RefundedAt == nil {
		t.Fatalf("payment must be refunded: %+v", p)
	}

	if env.gateway.callCount() != 1 {
		t.Fatalf("expected one gateway refund, got %d", env.gateway.callCount())
	}
	env.gateway.mu.Lock()
	req := env.gateway.calls[0]
	env.gateway.mu.Unlock()
	if req.Amount != 60_000_000 || req.ExternalRef != "WS-ref-a" || req.GatewayTxnID != "gw-a" {
		t.Fatalf("unexpected refund request: %+v", req)
	}

	// 通知：已缴成员收到退款通知，未缴成员收到否决通知，外加组广播
	if kinds := env.notifier.userKinds("u-a"); len(kinds) != 1 || kinds[0] != notify.KindDepositRefunded {
		t.Fatalf("u-a kinds = %v", kinds)
	}
	if kinds := env.notifier.userKinds("u-b"); len(kinds) != 1 || kinds[0] != notify.KindContractRejected {
		t.Fatalf("u-b kinds = %v", kinds)
	}
	if len(env.notifier.groups["grp-1"]) != 1 {
		t.Fatalf("expected one group broadcast")
	}

	// 第二轮扫描不再处理已否决的合同
	env.rec.RunOnce(ctx, deadline.Add(2*time.Minute))
	if env.gateway.callCount() != 1 {
		t.Fatalf("second run must be a no-op, refunds = %d", env.gateway.callCount())
	}
}

func TestAllPaidApprovesAtDeadline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, deadline := seedSignedContract(t, env, true)

	env.rec.RunOnce(ctx, deadline.Add(time.Minute))

	// 全员到位的合同不能卡在 SIGNED 被反复扫描，要推进到生效
	got, _ := env.contracts.GetByID(ctx, c.ID)
	if got.Status != contract.StatusApproved {
		t.Fatalf("fully funded contract must be approved, got %s", got.Status)
	}
	if env.gateway.callCount() != 0 {
		t.Fatalf("no refunds expected")
	}
	kinds := env.notifier.groupKinds("grp-1")
	if len(kinds) != 1 || kinds[0] != notify.KindContractApproved {
		t.Fatalf("expected one contract_approved broadcast, got %v", kinds)
	}

	// 离开 SIGNED 扫描集合，第二轮是纯 no-op
	env.rec.RunOnce(ctx, deadline.Add(2*time.Minute))
	got, _ = env.contracts.GetByID(ctx, c.ID)
	if got.Status != contract.StatusApproved {
		t.Fatalf("second run must not change status, got %s", got.Status)
	}
	if len(env.notifier.groupKinds("grp-1")) != 1 {
		t.Fatalf("second run must not notify again")
	}
}

func TestReminderWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c, deadline := seedSignedContract(t, env, false)

	// 窗口之外：静默
	env.rec.RunOnce(ctx, deadline.Add(-30*time.Minute))
	if len(env.notifier.userKinds("u-b")) != 0 {
		t.Fatalf("no reminder expected outside window")
	}

	// 窗口之内：仅未缴成员收到提醒
	env.rec.RunOnce(ctx, deadline.Add(-5*time.Minute))
	if kinds := env.notifier.userKinds("u-b"); len(kinds) != 1 || kinds[0] != notify.KindDepositReminder {
		t.Fatalf("u-b kinds = %v", kinds)
	}
	if len(env.notifier.userKinds("u-a")) != 0 {
		t.Fatalf("paid member must not be reminded")
	}

	got, _ := env.contracts.GetByID(ctx, c.ID)
	if got.Status != contract.StatusSigned {
		t.Fatalf("reminder must not change status, got %s", got.Status)
	}
}

func TestGatewayFailureKeepsLocalState(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.fail = true
	ctx := context.Background()
	_, deadline := seedSignedContract(t, env, false)

	env.rec.RunOnce(ctx, deadline.Add(time.Minute))

	// 网关失败只记日志，本地退款状态不回滚
	sh, _ := env.groups.GetShare(ctx, "u-a", "grp-1")
	if sh.DepositStatus != group.DepositRefunded {
		t.Fatalf("expected refunded share despite gateway failure, got %s", sh.DepositStatus)
	}
	reserve, _ := env.ledger.GroupFund(ctx, "grp-1", fund.KindDepositReserve)
	if reserve.Balance != 0 {
		t.Fatalf("reserve must be drained, got %d", reserve.Balance)
	}
}
