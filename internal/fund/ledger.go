package fund

import (
	"context"
	"fmt"
	"time"

	"github.com/WheelShare/WheelShare/internal/common/logger"
	"github.com/WheelShare/WheelShare/internal/errs"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// maxCASAttempts CAS 写回的最大尝试次数，超出即向调用方暴露冲突。
	maxCASAttempts = 3
	// casBackoffStep 每次重试前的退避步长（线性递增）。
	casBackoffStep = 10 * time.Millisecond
)

// Ledger 是基金余额的唯一合法修改入口：
// 读余额+版本 → 计算 → 条件写回，失败则退避重试，次数有界。
type Ledger struct {
	repo *Repo
	log  logger.Logger
}

func NewLedger(repo *Repo, log logger.Logger) *Ledger {
	return &Ledger{repo: repo, log: log}
}

// Increase 入账。amount 必须为正。
func (l *Ledger) Increase(ctx context.Context, fundID string, amount int64) (*SharedFund, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", errs.ErrInvalidInput)
	}
	return l.mutate(ctx, fundID, amount, false)
}

// IncreaseInTx 在调用方事务里入账，与支付单等写入一起提交或回滚。
// 行锁下的相对增量天然原子，不走 CAS 重试。
func (l *Ledger) IncreaseInTx(tx *gorm.DB, fundID string, amount int64) error {
	if l == nil || l.repo == nil {
		return fmt.Errorf("ledger not initialized")
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be positive: %w", errs.ErrInvalidInput)
	}
	return l.repo.AddBalanceTx(tx, fundID, amount)
}

// Decrease 出账（退款路径，不检查 is_spendable）。余额不足直接拒绝。
func (l *Ledger) Decrease(ctx context.Context, fundID string, amount int64) (*SharedFund, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", errs.ErrInvalidInput)
	}
	return l.mutate(ctx, fundID, -amount, false)
}

// Spend 支出：与 Decrease 相同，但押金池等不可支出基金会被拒绝。
func (l *Ledger) Spend(ctx context.Context, fundID string, amount int64) (*SharedFund, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", errs.ErrInvalidInput)
	}
	return l.mutate(ctx, fundID, -amount, true)
}

func (l *Ledger) mutate(ctx context.Context, fundID string, delta int64, requireSpendable bool) (*SharedFund, error) {
	if l == nil || l.repo == nil {
		return nil, fmt.Errorf("ledger not initialized")
	}

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		f, err := l.repo.GetByID(ctx, fundID)
		if err != nil {
			return nil, err
		}
		if requireSpendable && !f.IsSpendable {
			return nil, fmt.Errorf("fund %s (%s): %w", f.ID, f.Kind, errs.ErrFundNotSpendable)
		}

		newBalance := f.Balance + delta
		if newBalance < 0 {
			return nil, fmt.Errorf("fund %s balance %d, need %d: %w",
				f.ID, f.Balance, -delta, errs.ErrInsufficientFunds)
		}

		ok, err := l.repo.CompareAndSetBalance(ctx, f.ID, f.Version, newBalance)
		if err != nil {
			return nil, err
		}
		if ok {
			f.Balance = newBalance
			f.Version++
			return f, nil
		}

		// 并发写者抢先，退避后整轮重试
		if l.log != nil {
			l.log.Warnf("fund %s version conflict, attempt %d/%d", fundID, attempt, maxCASAttempts)
		}
		if attempt < maxCASAttempts {
			select {
			case <-time.After(time.Duration(attempt) * casBackoffStep):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("fund %s: %w", fundID, errs.ErrConcurrentUpdate)
}

// EnsureGroupFunds 懒创建组的两类基金（运营 / 押金池），幂等。
func (l *Ledger) EnsureGroupFunds(ctx context.Context, groupID string) error {
	if l == nil || l.repo == nil {
		return fmt.Errorf("ledger not initialized")
	}
	kinds := []struct {
		kind      Kind
		spendable bool
	}{
		{KindOperating, true},
		{KindDepositReserve, false},
	}
	for _, k := range kinds {
		_, err := l.repo.GetByGroupKind(ctx, groupID, k.kind)
		if err == nil {
			continue
		}
		f := &SharedFund{
			ID:          uuid.NewString(),
			GroupID:     groupID,
			Kind:        k.kind,
			Balance:     0,
			IsSpendable: k.spendable,
		}
		if createErr := l.repo.Create(ctx, f); createErr != nil {
			return createErr
		}
	}
	return nil
}

// GroupFund 查询组内指定类型的基金。
func (l *Ledger) GroupFund(ctx context.Context, groupID string, kind Kind) (*SharedFund, error) {
	if l == nil || l.repo == nil {
		return nil, fmt.Errorf("ledger not initialized")
	}
	return l.repo.GetByGroupKind(ctx, groupID, kind)
}
