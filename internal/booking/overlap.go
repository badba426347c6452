package booking

import "time"

// BufferWindow 每个预约结束后保留的周转/充电缓冲时长。
const BufferWindow = time.Hour

// HoursPerWeek 一个 ISO 周的小时数，配额上限 = floor(168 × 份额)。
const HoursPerWeek = 168

// overlaps 半开区间 [aStart, aEnd) 与 [bStart, bEnd) 的标准重叠判定。
//
// 占用语义：新请求占用 [start, end+1h)；库里每条记录按其原始区间参与判定，
// 已有预约的尾随一小时由其 BUFFER 记录承担，因此这里不再叠加缓冲，
// 避免把占用窗口重复外推。
func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// requestWindow 新请求的完整占用窗口（含自身尾随缓冲）。
func requestWindow(start, end time.Time) (time.Time, time.Time) {
	return start, end.Add(BufferWindow)
}

// isoWeekWindow 返回包含 t 的 ISO 周（周一 00:00 起）的 [start, end) 区间。
func isoWeekWindow(t time.Time) (time.Time, time.Time) {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	// time.Weekday 周日为 0，ISO 周从周一起算
	offset := (int(day.Weekday()) + 6) % 7
	weekStart := day.AddDate(0, 0, -offset)
	return weekStart, weekStart.AddDate(0, 0, 7)
}

// clippedHours 预约区间裁剪到 [winStart, winEnd) 之后的小时数，不足一小时按一小时计。
func clippedHours(start, end, winStart, winEnd time.Time) int64 {
	if start.Before(winStart) {
		start = winStart
	}
	if end.After(winEnd) {
		end = winEnd
	}
	if !start.Before(end) {
		return 0
	}
	d := end.Sub(start)
	h := int64(d / time.Hour)
	if d%time.Hour != 0 {
		h++
	}
	return h
}

// quotaLimitHours 由份额（万分位）推出的周配额：floor(168 × pct / 10000)。
func quotaLimitHours(percent int64) int64 {
	return HoursPerWeek * percent / 10000
}
