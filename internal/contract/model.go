package contract

import (
	"fmt"
	"time"

	"github.com/WheelShare/WheelShare/internal/errs"
)

// Status 合同审批状态枚举（持久化为字符串）。
type Status string

const (
	StatusPending         Status = "pending"                 // 管理员起草，待其确认
	StatusMemberApproval  Status = "pending_member_approval" // 等待普通成员逐一表态
	StatusSigned          Status = "signed"                  // 全员同意，等待押金到位
	StatusApproved        Status = "approved"                // 押金齐备，正式生效
	StatusRejected        Status = "rejected"                // 任一环节被否决或逾期
)

// AllowTransition 合同状态机：REJECTED 可从任何非终态到达。
var AllowTransition = map[Status][]Status{
	StatusPending:        {StatusMemberApproval, StatusRejected},
	StatusMemberApproval: {StatusSigned, StatusRejected},
	StatusSigned:         {StatusApproved, StatusRejected},
	StatusApproved:       {},
	StatusRejected:       {},
}

// CanTransition 判断 from -> to 是否是允许的流转。
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

// ApplyTransition 应用状态流转。UpdatedAt 由 GORM 维护，同时充当押金截止日锚点。
func ApplyTransition(c *Contract, to Status) error {
	if c == nil {
		return fmt.Errorf("contract is nil")
	}
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("contract status %s -> %s: %w", c.Status, to, errs.ErrInvalidTransition)
	}
	c.Status = to
	return nil
}

// Contract 是 contracts 表的 GORM 模型，与组一对一。
type Contract struct {
	ID              string    `gorm:"primaryKey;size:36"`
	GroupID         string    `gorm:"uniqueIndex;size:36;not null"`
	Status          Status    `gorm:"type:varchar(32);index;not null"`
	RequiredDeposit int64     `gorm:"not null;default:0"` // 每人应缴押金（分），按份额另算
	StartDate       time.Time `gorm:"not null"`
	EndDate         time.Time `gorm:"not null"`
	Terms           string    `gorm:"type:text"`
	RejectionReason string    `gorm:"size:255"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"` // 最近状态变更时间，截止日以此为锚
}

// DeadlineAnchor 押金截止日锚点：优先用最近更新时间。
func (c *Contract) DeadlineAnchor() time.Time {
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

// Reaction 成员对合同的表态。
type Reaction string

const (
	ReactionAgree    Reaction = "agree"
	ReactionDisagree Reaction = "disagree"
)

// FeedbackStatus 表态的处理状态。
type FeedbackStatus string

const (
	FeedbackApproved FeedbackStatus = "approved" // 同意即生效，或 staff 裁定通过
	FeedbackPending  FeedbackStatus = "pending"  // 异议待 staff 裁定
	FeedbackRejected FeedbackStatus = "rejected" // staff 驳回，成员可重新表态
)

// ContractFeedback 是 contract_feedbacks 表的 GORM 模型。
// 每个 (合同, 成员) 仅保留一条“活跃”反馈；最近一条是 REJECTED 时才允许重提。
type ContractFeedback struct {
	ID          string         `gorm:"primaryKey;size:36"`
	ContractID  string         `gorm:"index:idx_feedback_contract_user,priority:1;size:36;not null"`
	UserID      string         `gorm:"index:idx_feedback_contract_user,priority:2;size:36;not null"`
	Reaction    Reaction       `gorm:"type:varchar(16);not null"`
	Status      FeedbackStatus `gorm:"type:varchar(16);index;not null"`
	AdminNote   string         `gorm:"size:255"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
	ProcessedAt *time.Time     // staff 裁定时间；非空表示已处理
}
