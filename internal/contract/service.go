package contract

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/WheelShare/WheelShare/internal/common/config"
	"github.com/WheelShare/WheelShare/internal/common/logger"
	"github.com/WheelShare/WheelShare/internal/errs"
	"github.com/WheelShare/WheelShare/internal/fund"
	"github.com/WheelShare/WheelShare/internal/group"
	"github.com/WheelShare/WheelShare/internal/notify"
	"github.com/WheelShare/WheelShare/internal/payment"
	"github.com/WheelShare/WheelShare/internal/vehicle"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service 合同与押金的状态机编排。
type Service struct {
	repo     *Repo
	groups   *group.Repo
	vehicles *vehicle.Repo
	payments *payment.Repo
	ledger   *fund.Ledger
	notifier notify.Notifier
	cfg      config.DepositConfig
	log      logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // contractID -> 自动推进串行化锁
}

func NewService(
	repo *Repo,
	groups *group.Repo,
	vehicles *vehicle.Repo,
	payments *payment.Repo,
	ledger *fund.Ledger,
	notifier notify.Notifier,
	cfg config.DepositConfig,
	log logger.Logger,
) *Service {
	return &Service{
		repo:     repo,
		groups:   groups,
		vehicles: vehicles,
		payments: payments,
		ledger:   ledger,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) contractLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// RequiredDepositFor 计算成员应缴押金：
// 有估值时 ceil(估值 × 比例 × 份额)，不低于最低押金；
// 无估值时退化为 base × (1 + capacityFee × 人数)。
func RequiredDepositFor(cfg config.DepositConfig, vehicleValue, percent int64, capacity int) int64 {
	base := cfg.BaseAmount
	if vehicleValue > 0 {
		raw := float64(vehicleValue) * cfg.ValueRate * float64(percent) / float64(group.PercentBasis)
		amount := int64(raw)
		if raw > float64(amount) {
			amount++ // 向上取整
		}
		if amount < base {
			return base
		}
		return amount
	}
	return int64(float64(base) * (1 + cfg.CapacityFee*float64(capacity)))
}

// CreateContractInput 起草合同入参。
type CreateContractInput struct {
	GroupID   string
	Terms     string
	StartDate time.Time
	EndDate   time.Time
}

// CreateContract 为组起草合同（一组一份），押金基准按车辆估值计算。
func (s *Service) CreateContract(ctx context.Context, in CreateContractInput) (*Contract, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	groupID := strings.TrimSpace(in.GroupID)
	if groupID == "" {
		return nil, fmt.Errorf("group_id required: %w", errs.ErrInvalidInput)
	}
	if !in.EndDate.After(in.StartDate) {
		return nil, fmt.Errorf("end date must be after start date: %w", errs.ErrInvalidInput)
	}
	if _, err := s.repo.GetByGroup(ctx, groupID); err == nil {
		return nil, fmt.Errorf("group %s already has a contract: %w", groupID, errs.ErrConflict)
	}

	g, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var vehicleValue int64
	if v, err := s.vehicles.FindByGroup(ctx, groupID); err == nil {
		vehicleValue = v.AppraisedValue
	}

	c := &Contract{
		ID:              uuid.NewString(),
		GroupID:         groupID,
		Status:          StatusPending,
		RequiredDeposit: RequiredDepositFor(s.cfg, vehicleValue, group.PercentBasis, g.MemberCapacity),
		StartDate:       in.StartDate,
		EndDate:         in.EndDate,
		Terms:           in.Terms,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// MemberDeposit 计算指定成员按份额应缴的押金。
func (s *Service) MemberDeposit(ctx context.Context, groupID, userID string) (int64, error) {
	if s == nil || s.repo == nil {
		return 0, fmt.Errorf("service not initialized")
	}
	g, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return 0, err
	}
	sh, err := s.groups.GetShare(ctx, userID, groupID)
	if err != nil {
		return 0, fmt.Errorf("member %s of %s: %w", userID, groupID, errs.ErrNotAMember)
	}
	var vehicleValue int64
	if v, err := s.vehicles.FindByGroup(ctx, groupID); err == nil {
		vehicleValue = v.AppraisedValue
	}
	return RequiredDepositFor(s.cfg, vehicleValue, sh.Percent, g.MemberCapacity), nil
}

// SubmitFeedback 成员表态：
// - PENDING 阶段仅限管理员；同意即把合同推进到 PENDING_MEMBER_APPROVAL
// - PENDING_MEMBER_APPROVAL 阶段仅限非管理员成员
// - 最近一条反馈非 REJECTED 时禁止重提
func (s *Service) SubmitFeedback(ctx context.Context, contractID, userID string, reaction Reaction) (*ContractFeedback, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	contractID = strings.TrimSpace(contractID)
	userID = strings.TrimSpace(userID)
	if contractID == "" || userID == "" {
		return nil, fmt.Errorf("contract_id and user_id required: %w", errs.ErrInvalidInput)
	}
	if reaction != ReactionAgree && reaction != ReactionDisagree {
		return nil, fmt.Errorf("unknown reaction %q: %w", reaction, errs.ErrInvalidInput)
	}

	c, err := s.repo.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	sh, err := s.groups.GetShare(ctx, userID, c.GroupID)
	if err != nil {
		return nil, fmt.Errorf("user %s in group %s: %w", userID, c.GroupID, errs.ErrNotAMember)
	}

	switch c.Status {
	case StatusPending:
		if sh.Role != group.RoleAdmin {
			return nil, fmt.Errorf("only group admin may react while contract is pending: %w", errs.ErrPermissionDenied)
		}
	case StatusMemberApproval:
		// 管理员的表态已体现在 PENDING -> PENDING_MEMBER_APPROVAL 的流转里
		if sh.Role == group.RoleAdmin {
			return nil, fmt.Errorf("admin feedback already recorded: %w", errs.ErrConflict)
		}
	default:
		return nil, fmt.Errorf("feedback not accepted while contract is %s: %w", c.Status, errs.ErrInvalidTransition)
	}

	if latest, err := s.repo.LatestFeedback(ctx, contractID, userID); err == nil {
		if latest.Status != FeedbackRejected {
			return nil, fmt.Errorf("feedback already submitted: %w", errs.ErrConflict)
		}
	}

	f := &ContractFeedback{
		ID:         uuid.NewString(),
		ContractID: contractID,
		UserID:     userID,
		Reaction:   reaction,
	}
	if reaction == ReactionAgree {
		f.Status = FeedbackApproved
	} else {
		f.Status = FeedbackPending // 异议等待 staff 裁定
	}
	if err := s.repo.CreateFeedback(ctx, f); err != nil {
		return nil, err
	}

	if c.Status == StatusPending && reaction == ReactionAgree {
		if err := ApplyTransition(c, StatusMemberApproval); err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, c); err != nil {
			return nil, err
		}
		// 单人组的管理员同意即满足容量，立即检查推进
		if _, err := s.autoAdvance(ctx, contractID); err != nil {
			return nil, err
		}
		return f, nil
	}

	if f.Status == FeedbackApproved {
		if _, err := s.autoAdvance(ctx, contractID); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// ApproveFeedback staff 裁定通过一条 PENDING 反馈，并触发自动推进检查。
func (s *Service) ApproveFeedback(ctx context.Context, feedbackID, adminNote string, now time.Time) (*ContractFeedback, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	f, err := s.repo.GetFeedback(ctx, strings.TrimSpace(feedbackID))
	if err != nil {
		return nil, err
	}
	if f.Status != FeedbackPending {
		return nil, fmt.Errorf("feedback is %s, only pending may be approved: %w", f.Status, errs.ErrInvalidTransition)
	}
	f.Status = FeedbackApproved
	f.AdminNote = strings.TrimSpace(adminNote)
	f.ProcessedAt = &now
	if err := s.repo.UpdateFeedback(ctx, f); err != nil {
		return nil, err
	}
	if _, err := s.autoAdvance(ctx, f.ContractID); err != nil {
		return nil, err
	}
	return f, nil
}

// RejectFeedback staff 驳回一条未处理的 PENDING 反馈，成员此后可重新表态。
func (s *Service) RejectFeedback(ctx context.Context, feedbackID, adminNote string, now time.Time) (*ContractFeedback, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	f, err := s.repo.GetFeedback(ctx, strings.TrimSpace(feedbackID))
	if err != nil {
		return nil, err
	}
	if f.ProcessedAt != nil {
		return nil, fmt.Errorf("feedback already processed: %w", errs.ErrConflict)
	}
	if f.Status != FeedbackPending {
		return nil, fmt.Errorf("feedback is %s, only pending may be rejected: %w", f.Status, errs.ErrInvalidTransition)
	}
	f.Status = FeedbackRejected
	f.AdminNote = strings.TrimSpace(adminNote)
	f.ProcessedAt = &now
	return f, s.repo.UpdateFeedback(ctx, f)
}

// autoAdvance 检查 APPROVED 反馈数是否达到成员容量，达到则 SIGNED。
// 这是 PENDING_MEMBER_APPROVAL -> SIGNED 的唯一路径。
func (s *Service) autoAdvance(ctx context.Context, contractID string) (*Contract, error) {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	pre, err := s.repo.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}
	// 容量与份额在组激活后不再变化，事务外读取即可
	g, err := s.groups.GetGroup(ctx, pre.GroupID)
	if err != nil {
		return nil, err
	}
	shares, err := s.groups.ListShares(ctx, pre.GroupID)
	if err != nil {
		return nil, err
	}

	c, advanced, err := s.repo.AdvanceInTx(ctx, contractID, func(tx *gorm.DB, c *Contract) (Status, bool, error) {
		if c.Status != StatusMemberApproval {
			return "", false, nil
		}
		approvedSet, err := s.repo.ApprovedUserIDs(ctx, tx, c.ID)
		if err != nil {
			return "", false, err
		}

		// 管理员的同意由 PENDING -> PENDING_MEMBER_APPROVAL 的流转承载
		approved := 0
		for _, sh := range shares {
			if sh.Role == group.RoleAdmin || approvedSet[sh.UserID] {
				approved++
			}
		}
		if approved != g.MemberCapacity {
			return "", false, nil
		}
		return StatusSigned, true, nil
	})
	if err != nil {
		return nil, err
	}

	if advanced && s.notifier != nil {
		s.notifier.NotifyGroup(ctx, c.GroupID, notify.Message{
			Kind:  notify.KindContractSigned,
			Title: "Contract signed",
			Body:  "All members approved the co-ownership contract. Deposits are now due.",
			Data:  map[string]interface{}{"contract_id": c.ID},
		})
	}
	return c, nil
}

// ConfirmDeposit 处理支付网关回调（成功分支）：
// 支付单 PENDING -> COMPLETED，份额押金置 PAID，押金池入账。
// 三项写入在同一事务里落库，任何一步失败都整体回滚，
// 网关重试时不会出现「单已完成但基金没入账」的缺口。
// 对已 COMPLETED 的支付单重复回调是无副作用的幂等返回。
func (s *Service) ConfirmDeposit(ctx context.Context, externalRef, gatewayTxnID, rawResponse string, now time.Time) (*payment.Payment, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	p, err := s.payments.GetByExternalRef(ctx, strings.TrimSpace(externalRef))
	if err != nil {
		return nil, err
	}
	if p.Status == payment.StatusCompleted {
		return p, nil // 重复回调
	}

	// 先定位押金池：找不到就不动任何状态，重试回调可以完整重放
	var reserveID string
	if p.Type == payment.TypeDeposit {
		reserve, err := s.ledger.GroupFund(ctx, p.GroupID, fund.KindDepositReserve)
		if err != nil {
			return nil, err
		}
		reserveID = reserve.ID
	}

	if err := payment.ApplyTransition(p, payment.StatusCompleted, now); err != nil {
		return nil, err
	}
	p.GatewayTxnID = strings.TrimSpace(gatewayTxnID)
	p.RawResponse = rawResponse

	err = s.repo.InTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Save(p).Error; err != nil {
			return err
		}
		if p.Type != payment.TypeDeposit {
			return nil
		}
		if err := s.groups.UpdateShareDepositTx(tx, p.PayerID, p.GroupID, group.DepositPaid, p.Amount); err != nil {
			return err
		}
		return s.ledger.IncreaseInTx(tx, reserveID, p.Amount)
	})
	if err != nil {
		return nil, err
	}

	if p.Type != payment.TypeDeposit {
		return p, nil
	}
	if s.log != nil {
		s.log.WithFields(map[string]interface{}{
			"group_id": p.GroupID,
			"payer_id": p.PayerID,
			"amount":   p.Amount,
		}).Info("deposit credited to reserve fund")
	}

	// 全员到位即把合同推进到生效；失败不影响回调结果，对账任务兜底
	if _, err := s.ApproveIfFunded(ctx, p.GroupID); err != nil && s.log != nil {
		s.log.Warnf("approve check for group %s: %v", p.GroupID, err)
	}
	return p, nil
}

// ApproveIfFunded 组内全部份额押金到位后 SIGNED -> APPROVED。
// 押金确认后即时调用，对账任务在截止检查时兜底重试。
// 条件不满足时返回当前合同且不做任何流转。
func (s *Service) ApproveIfFunded(ctx context.Context, groupID string) (*Contract, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	c, err := s.repo.GetByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	lock := s.contractLock(c.ID)
	lock.Lock()
	defer lock.Unlock()

	// 押金状态在确认事务提交后才可见，事务外读取不会看到半截数据
	shares, err := s.groups.ListShares(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for _, sh := range shares {
		if sh.DepositStatus != group.DepositPaid {
			return c, nil
		}
	}

	out, advanced, err := s.repo.AdvanceInTx(ctx, c.ID, func(tx *gorm.DB, c *Contract) (Status, bool, error) {
		if c.Status != StatusSigned {
			return "", false, nil
		}
		return StatusApproved, true, nil
	})
	if err != nil {
		return nil, err
	}

	if advanced && s.notifier != nil {
		s.notifier.NotifyGroup(ctx, out.GroupID, notify.Message{
			Kind:  notify.KindContractApproved,
			Title: "Contract approved",
			Body:  "All deposits are in place. The co-ownership contract is now in force.",
			Data:  map[string]interface{}{"contract_id": out.ID},
		})
	}
	return out, nil
}

// Get 查询合同。
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return s.repo.GetByID(ctx, strings.TrimSpace(id))
}

// Reject 管理路径的手工否决（staff 调用）。
func (s *Service) Reject(ctx context.Context, contractID, reason string) (*Contract, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	c, _, err := s.repo.AdvanceInTx(ctx, contractID, func(tx *gorm.DB, c *Contract) (Status, bool, error) {
		if c.Status == StatusRejected {
			return "", false, nil // 幂等
		}
		c.RejectionReason = strings.TrimSpace(reason)
		return StatusRejected, true, nil
	})
	return c, err
}
