package booking

import "time"

// Status 预约状态枚举（持久化为字符串）。
type Status string

const (
	StatusPending        Status = "pending"         // 已提交，待确认
	StatusConfirmed      Status = "confirmed"       // 已确认
	StatusBuffer         Status = "buffer"          // 尾随缓冲时段（系统生成，用户不可见）
	StatusCompleted      Status = "completed"       // 用车结束并完成收尾检查
	StatusCancelled      Status = "cancelled"       // 用户或运维取消
	StatusNeedsAttention Status = "needs_attention" // 收尾检查发现异常
)

// conflictStatuses 参与占用判定的状态集合。
var conflictStatuses = []Status{StatusPending, StatusConfirmed, StatusBuffer}

// quotaStatuses 计入周配额的状态集合。
var quotaStatuses = []Status{StatusPending, StatusConfirmed}

// Booking 是 bookings 表的 GORM 模型。
// 每个 PENDING/CONFIRMED 预约都有一条同主人的 BUFFER 记录紧随其后，
// 覆盖 [End, End+1h)，ParentID 指向真实预约，仅用于冲突判定。
type Booking struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"index;size:36;not null"`
	VehicleID string    `gorm:"index:idx_booking_vehicle_time,priority:1;size:36;not null"`
	StartAt   time.Time `gorm:"index:idx_booking_vehicle_time,priority:2;not null"`
	EndAt     time.Time `gorm:"not null"`
	Status    Status    `gorm:"type:varchar(16);index;not null"`
	ParentID  string    `gorm:"index;size:36"` // BUFFER 记录指向其真实预约

	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
	CancelledAt *time.Time
	CompletedAt *time.Time
}
