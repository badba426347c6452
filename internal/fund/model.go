package fund

import "time"

// Kind 基金类型。每组各一只，激活时懒创建。
type Kind string

const (
	KindOperating      Kind = "operating"       // 可支出
	KindDepositReserve Kind = "deposit_reserve" // 只进不出（仅退款）
)

// SharedFund 是 shared_funds 表的 GORM 模型。
// Balance 只允许通过 Ledger 的 CAS 路径修改；Version 为乐观锁版本号。
type SharedFund struct {
	ID           string    `gorm:"primaryKey;size:36"`
	GroupID      string    `gorm:"index:idx_fund_group_kind,unique,priority:1;size:36;not null"`
	Kind         Kind      `gorm:"index:idx_fund_group_kind,unique,priority:2;type:varchar(24);not null"`
	Balance      int64     `gorm:"not null;default:0"` // 余额（分），恒 >= 0
	TargetAmount int64     `gorm:"not null;default:0"` // 目标金额（分）
	IsSpendable  bool      `gorm:"not null;default:false"`
	Version      int64     `gorm:"not null;default:0"` // 乐观锁版本
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}
