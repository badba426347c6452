package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/WheelShare/WheelShare/internal/errs"
	"github.com/google/uuid"
)

// Service 支付单的创建与状态维护。押金确认的编排（份额、入账）在 contract 包。
type Service struct {
	repo *Repo
}

func NewService(repo *Repo) *Service {
	return &Service{repo: repo}
}

// CreatePaymentInput 创建支付单入参。
type CreatePaymentInput struct {
	PayerID string
	GroupID string
	FundID  string // 可空：不经基金路由的个人收款
	Amount  int64
	Type    Type
}

// CreatePayment 生成 PENDING 支付单与唯一外部订单号。
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*Payment, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	payer := strings.TrimSpace(in.PayerID)
	groupID := strings.TrimSpace(in.GroupID)
	if payer == "" || groupID == "" {
		return nil, fmt.Errorf("payer_id and group_id required: %w", errs.ErrInvalidInput)
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", errs.ErrInvalidInput)
	}
	switch in.Type {
	case TypeDeposit, TypeContribution, TypeMaintenanceFee:
	default:
		return nil, fmt.Errorf("unknown payment type %q: %w", in.Type, errs.ErrInvalidInput)
	}

	p := &Payment{
		ID:          uuid.NewString(),
		PayerID:     payer,
		GroupID:     groupID,
		Amount:      in.Amount,
		Type:        in.Type,
		Status:      StatusPending,
		ExternalRef: newExternalRef(),
	}
	if fundID := strings.TrimSpace(in.FundID); fundID != "" {
		p.FundID = &fundID
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get 查询支付单。
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return s.repo.GetByID(ctx, strings.TrimSpace(id))
}

// ByExternalRef 按外部订单号查询。
func (s *Service) ByExternalRef(ctx context.Context, ref string) (*Payment, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return s.repo.GetByExternalRef(ctx, strings.TrimSpace(ref))
}

// MarkFailed 网关回调告知失败：PENDING → FAILED。
func (s *Service) MarkFailed(ctx context.Context, ref, rawResponse string, now time.Time) (*Payment, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	p, err := s.repo.GetByExternalRef(ctx, strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if p.Status == StatusFailed {
		return p, nil // 幂等
	}
	if err := ApplyTransition(p, StatusFailed, now); err != nil {
		return nil, err
	}
	p.RawResponse = rawResponse
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// newExternalRef 生成传给网关的订单号。
func newExternalRef() string {
	return "WS-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:24]
}
