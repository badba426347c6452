package payment

import (
	"fmt"
	"time"

	"github.com/WheelShare/WheelShare/internal/errs"
)

// Status 支付单状态枚举（持久化为字符串）。
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Type 支付用途。
type Type string

const (
	TypeDeposit        Type = "deposit"         // 合同押金
	TypeContribution   Type = "contribution"    // 运营基金注资
	TypeMaintenanceFee Type = "maintenance_fee" // 维保分摊
)

// AllowTransition 支付状态机：单向流转，终态不再变化。
var AllowTransition = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusRefunded},
	StatusFailed:    {},
	StatusRefunded:  {},
}

// CanTransition 判断 from -> to 是否允许。
func CanTransition(from, to Status) bool {
	allowed, ok := AllowTransition[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// ApplyTransition 应用状态流转并维护时间字段。
func ApplyTransition(p *Payment, to Status, now time.Time) error {
	if p == nil {
		return fmt.Errorf("payment is nil")
	}
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("payment status %s -> %s: %w", p.Status, to, errs.ErrInvalidTransition)
	}
	p.Status = to
	switch to {
	case StatusCompleted:
		if p.CompletedAt == nil {
			t := now
			p.CompletedAt = &t
		}
	case StatusRefunded:
		if p.RefundedAt == nil {
			t := now
			p.RefundedAt = &t
		}
	}
	return nil
}

// Payment 是 payments 表的 GORM 模型。
// ExternalRef 是我方生成、传给网关的订单号，赋值后全局唯一；
// FundID 为空表示个人代付等不经基金路由的收款。
type Payment struct {
	ID           string  `gorm:"primaryKey;size:36"`
	PayerID      string  `gorm:"index;size:36;not null"`
	GroupID      string  `gorm:"index;size:36;not null"`
	FundID       *string `gorm:"index;size:36"`
	Amount       int64   `gorm:"not null"` // 金额（分），恒 > 0
	Type         Type    `gorm:"type:varchar(24);not null"`
	Status       Status  `gorm:"type:varchar(16);index;not null"`
	ExternalRef  string  `gorm:"uniqueIndex;size:64;not null"`
	GatewayTxnID string  `gorm:"size:64"`  // 网关侧流水号（回调时写入）
	RawResponse  string  `gorm:"type:text"` // 网关原始回包，排障用

	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
	CompletedAt *time.Time
	RefundedAt  *time.Time
}
