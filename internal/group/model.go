package group

import "time"

// Role 组内角色。每组有且只有一个 ADMIN。
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// DepositStatus 成员押金状态（与合同状态相互独立）。
type DepositStatus string

const (
	DepositPending  DepositStatus = "pending"
	DepositPaid     DepositStatus = "paid"
	DepositRefunded DepositStatus = "refunded"
)

// Group 共有组 GORM 模型。MemberCapacity 含管理员本人。
type Group struct {
	ID             string    `gorm:"primaryKey;size:36"`
	Name           string    `gorm:"size:64;not null"`
	MemberCapacity int       `gorm:"not null;default:1"` // 配置的成员数（含 admin）
	Active         bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// OwnershipShare 成员份额，(user_id, group_id) 联合主键。
// Percent 以万分位整数存储（10000 = 100.00%），避免浮点累加误差。
type OwnershipShare struct {
	UserID        string        `gorm:"primaryKey;size:36"`
	GroupID       string        `gorm:"primaryKey;size:36"`
	Percent       int64         `gorm:"not null"` // 万分位，6000 = 60.00%
	Role          Role          `gorm:"type:varchar(16);not null;default:'member'"`
	DepositStatus DepositStatus `gorm:"type:varchar(16);not null;default:'pending'"`
	PaidAmount    int64         `gorm:"not null;default:0"` // 已缴押金（分），退款时用
	JoinedAt      time.Time     `gorm:"autoCreateTime"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime"`
}

// PercentBasis 份额百分比的分母：10000 对应 100.00%。
const PercentBasis = 10000
