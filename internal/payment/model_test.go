package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/WheelShare/WheelShare/internal/errs"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusRefunded, false},
		{StatusCompleted, StatusRefunded, true},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusCompleted, false},
		{StatusRefunded, StatusCompleted, false},
		{Status("bogus"), StatusCompleted, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestApplyTransition(t *testing.T) {
	now := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	p := &Payment{ID: "pay-1", Status: StatusPending}

	if err := ApplyTransition(p, StatusCompleted, now); err != nil {
		t.Fatalf("pending -> completed: %v", err)
	}
	if p.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", p.Status)
	}
	if p.CompletedAt == nil || !p.CompletedAt.Equal(now) {
		t.Fatalf("completed_at must be stamped")
	}

	later := now.Add(time.Hour)
	if err := ApplyTransition(p, StatusRefunded, later); err != nil {
		t.Fatalf("completed -> refunded: %v", err)
	}
	if p.RefundedAt == nil || !p.RefundedAt.Equal(later) {
		t.Fatalf("refunded_at must be stamped")
	}
	// 首次打点后不被覆盖
	if !p.CompletedAt.Equal(now) {
		t.Fatalf("completed_at must not be overwritten")
	}

	// 终态不可再流转
	if err := ApplyTransition(p, StatusCompleted, later); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
