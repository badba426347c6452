package vehicle

import (
	"time"
)

// Vehicle 是 vehicles 表的 GORM 模型。
// 一辆车归属且仅归属一个共有组（GroupID）；AppraisedValue 用于押金计算。
type Vehicle struct {
	ID             string    `gorm:"primaryKey;size:36"`
	GroupID        string    `gorm:"uniqueIndex;size:36;not null"` // 一组一车
	PlateNumber    string    `gorm:"uniqueIndex;size:32;not null"`
	VIN            string    `gorm:"size:64"`
	Model          string    `gorm:"size:64"`
	AppraisedValue int64     `gorm:"not null;default:0"` // 车辆估值（分），0 表示未知
	Status         string    `gorm:"size:16;not null"`   // available / maintenance / retired
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}
