package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/WheelShare/WheelShare/internal/common/config"
	"github.com/WheelShare/WheelShare/internal/common/logger"
	"github.com/WheelShare/WheelShare/internal/contract"
	"github.com/WheelShare/WheelShare/internal/fund"
	"github.com/WheelShare/WheelShare/internal/group"
	"github.com/WheelShare/WheelShare/internal/notify"
	"github.com/WheelShare/WheelShare/internal/payment"
)

// Reconciler 周期扫描 SIGNED 合同：
// 临近截止提醒未缴押金的成员；逾期则否决合同并级联退款。
// 单个合同的失败被隔离，不影响本轮其余合同。
type Reconciler struct {
	contracts *contract.Repo
	svc       *contract.Service
	groups    *group.Repo
	payments  *payment.Repo
	ledger    *fund.Ledger
	gateway   payment.Gateway
	notifier  notify.Notifier
	cfg       config.ReconcilerConfig
	log       logger.Logger
}

func New(
	contracts *contract.Repo,
	svc *contract.Service,
	groups *group.Repo,
	payments *payment.Repo,
	ledger *fund.Ledger,
	gateway payment.Gateway,
	notifier notify.Notifier,
	cfg config.ReconcilerConfig,
	log logger.Logger,
) *Reconciler {
	return &Reconciler{
		contracts: contracts,
		svc:       svc,
		groups:    groups,
		payments:  payments,
		ledger:    ledger,
		gateway:   gateway,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
	}
}

// Run 启动定时循环，ctx 取消后返回。
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval())
	defer ticker.Stop()

	if r.log != nil {
		r.log.Infof("reconciler started, interval=%s grace=%s", r.cfg.Interval(), r.cfg.GracePeriod())
	}
	for {
		select {
		case <-ctx.Done():
			if r.log != nil {
				r.log.Info("reconciler stopped")
			}
			return
		case now := <-ticker.C:
			r.RunOnce(ctx, now)
		}
	}
}

// RunOnce 执行一轮扫描。拆出来便于测试与手工触发。
func (r *Reconciler) RunOnce(ctx context.Context, now time.Time) {
	signed, err := r.contracts.ListByStatus(ctx, contract.StatusSigned)
	if err != nil {
		if r.log != nil {
			r.log.Errorf("reconciler: list signed contracts: %v", err)
		}
		return
	}
	for i := range signed {
		c := signed[i]
		r.processIsolated(ctx, &c, now)
	}
}

// processIsolated 单合同处理，panic/error 均不外溢。
func (r *Reconciler) processIsolated(ctx context.Context, c *contract.Contract, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Errorf("reconciler: panic on contract %s: %v", c.ID, rec)
		}
	}()
	if err := r.process(ctx, c, now); err != nil && r.log != nil {
		r.log.Errorf("reconciler: contract %s: %v", c.ID, err)
	}
}

func (r *Reconciler) process(ctx context.Context, c *contract.Contract, now time.Time) error {
	deadline := c.DeadlineAnchor().Add(r.cfg.GracePeriod())

	if now.Before(deadline) {
		if deadline.Sub(now) <= r.cfg.ReminderWindow() {
			return r.remind(ctx, c, deadline)
		}
		return nil
	}
	return r.expire(ctx, c, deadline)
}

// remind 向所有未缴押金的成员发送截止提醒。尽力而为，不阻塞本轮。
func (r *Reconciler) remind(ctx context.Context, c *contract.Contract, deadline time.Time) error {
	shares, err := r.groups.ListShares(ctx, c.GroupID)
	if err != nil {
		return err
	}
	for _, sh := range shares {
		if sh.DepositStatus == group.DepositPaid {
			continue
		}
		if r.notifier != nil {
			r.notifier.NotifyUser(ctx, sh.UserID, notify.Message{
				Kind:  notify.KindDepositReminder,
				Title: "Deposit deadline approaching",
				Body:  fmt.Sprintf("Your co-ownership deposit is due by %s.", deadline.Format(time.RFC3339)),
				Data: map[string]interface{}{
					"contract_id": c.ID,
					"group_id":    c.GroupID,
					"deadline":    deadline,
				},
			})
		}
	}
	return nil
}

// expire 逾期处理：全员已缴则把合同推进到 APPROVED（付款赶在对账前落地的竞态，
// 推进后退出 SIGNED 扫描集合），否则否决合同，给已缴成员退押金，并逐一/全组通知。
// 网关侧退款失败只记日志，本地 REJECTED/REFUNDED 状态不回滚。
func (r *Reconciler) expire(ctx context.Context, c *contract.Contract, deadline time.Time) error {
	shares, err := r.groups.ListShares(ctx, c.GroupID)
	if err != nil {
		return err
	}

	allPaid := true
	for _, sh := range shares {
		if sh.DepositStatus != group.DepositPaid {
			allPaid = false
			break
		}
	}
	if allPaid {
		_, err := r.svc.ApproveIfFunded(ctx, c.GroupID)
		return err
	}

	reason := fmt.Sprintf("deposit deadline %s passed", deadline.Format(time.RFC3339))
	if _, err := r.svc.Reject(ctx, c.ID, reason); err != nil {
		return err
	}

	reserve, err := r.ledger.GroupFund(ctx, c.GroupID, fund.KindDepositReserve)
	if err != nil {
		return err
	}

	deposits, err := r.payments.ListCompletedDeposits(ctx, c.GroupID)
	if err != nil {
		return err
	}
	depositByPayer := make(map[string]*payment.Payment, len(deposits))
	for i := range deposits {
		depositByPayer[deposits[i].PayerID] = &deposits[i]
	}

	now := time.Now()
	for _, sh := range shares {
		switch sh.DepositStatus {
		case group.DepositPaid:
			if err := r.refundMember(ctx, c, reason, reserve.ID, sh, depositByPayer[sh.UserID], now); err != nil {
				// 单个成员退款失败不中断其余成员
				if r.log != nil {
					r.log.Errorf("reconciler: refund %s of group %s: %v", sh.UserID, c.GroupID, err)
				}
			}
		case group.DepositPending:
			if r.notifier != nil {
				r.notifier.NotifyUser(ctx, sh.UserID, notify.Message{
					Kind:  notify.KindContractRejected,
					Title: "Contract rejected",
					Body:  "The co-ownership contract was rejected because deposits were not completed in time.",
					Data:  map[string]interface{}{"contract_id": c.ID, "reason": reason},
				})
			}
		}
	}

	if r.notifier != nil {
		r.notifier.NotifyGroup(ctx, c.GroupID, notify.Message{
			Kind:  notify.KindContractRejected,
			Title: "Contract rejected",
			Body:  reason,
			Data: map[string]interface{}{
				"contract_id": c.ID,
				"group_id":    c.GroupID,
				"deadline":    deadline,
			},
		})
	}
	return nil
}

// refundMember 押金池出账、份额置 REFUNDED、支付单置 REFUNDED，最后尽力通知网关。
func (r *Reconciler) refundMember(ctx context.Context, c *contract.Contract, reason, reserveFundID string, sh group.OwnershipShare, p *payment.Payment, now time.Time) error {
	amount := sh.PaidAmount
	if amount <= 0 && p != nil {
		amount = p.Amount
	}
	if amount <= 0 {
		return fmt.Errorf("no paid amount recorded for user %s", sh.UserID)
	}

	if _, err := r.ledger.Decrease(ctx, reserveFundID, amount); err != nil {
		return err
	}
	if err := r.groups.UpdateShareDeposit(ctx, sh.UserID, sh.GroupID, group.DepositRefunded, amount); err != nil {
		return err
	}

	if p != nil {
		if err := payment.ApplyTransition(p, payment.StatusRefunded, now); err == nil {
			if err := r.payments.Update(ctx, p); err != nil && r.log != nil {
				r.log.Errorf("reconciler: persist refunded payment %s: %v", p.ID, err)
			}
		}
		if r.gateway != nil {
			req := payment.RefundRequest{
				Amount:       amount,
				ExternalRef:  p.ExternalRef,
				GatewayTxnID: p.GatewayTxnID,
				TxnDate:      p.CreatedAt,
				Reason:       reason,
			}
			if err := r.gateway.Refund(ctx, req); err != nil && r.log != nil {
				// 本地账本是成员/基金状态的事实来源，网关侧走事后对账
				r.log.Errorf("reconciler: gateway refund for %s failed: %v", p.ExternalRef, err)
			}
		}
	}

	if r.notifier != nil {
		r.notifier.NotifyUser(ctx, sh.UserID, notify.Message{
			Kind:  notify.KindDepositRefunded,
			Title: "Deposit refunded",
			Body:  "Your deposit was refunded because the contract was rejected.",
			Data:  map[string]interface{}{"contract_id": c.ID, "amount": amount},
		})
	}
	return nil
}
