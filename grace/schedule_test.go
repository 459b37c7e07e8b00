package grace

import (
	"testing"
	"time"
)

func TestNotificationDay(t *testing.T) {
	s := DefaultSchedule.Normalize()

	cases := []struct {
		daysRemaining int
		wantDay       int
		wantOK        bool
	}{
		{0, 0, true},
		{1, 1, true},
		{2, 3, true},
		{3, 3, true},
		{4, 7, true},
		{7, 7, true},
		{8, 0, false},
		{30, 0, false},
		{-1, 0, false},
	}

	for _, tc := range cases {
		day, ok := s.NotificationDay(tc.daysRemaining)
		if ok != tc.wantOK || (ok && day != tc.wantDay) {
			t.Errorf("NotificationDay(%d) = (%d, %v), want (%d, %v)",
				tc.daysRemaining, day, ok, tc.wantDay, tc.wantOK)
		}
	}
}

func TestNotificationDayCustomSchedule(t *testing.T) {
	s := Schedule{14, 2}.Normalize()

	if day, ok := s.NotificationDay(10); !ok || day != 14 {
		t.Errorf("NotificationDay(10) = (%d, %v), want (14, true)", day, ok)
	}
	if day, ok := s.NotificationDay(1); !ok || day != 2 {
		t.Errorf("NotificationDay(1) = (%d, %v), want (2, true)", day, ok)
	}
	if _, ok := s.NotificationDay(15); ok {
		t.Error("NotificationDay(15) should be outside the schedule")
	}
}

func TestNormalize(t *testing.T) {
	s := Schedule{3, 7, 3, -1, 0}.Normalize()
	want := Schedule{0, 3, 7}
	if len(s) != len(want) {
		t.Fatalf("Normalize = %v, want %v", s, want)
	}
	for i := range want {
		if s[i] != want[i] {
			t.Fatalf("Normalize = %v, want %v", s, want)
		}
	}
}

func TestDaysUntil(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		offset time.Duration
		want   int
	}{
		{48 * time.Hour, 2},
		{49 * time.Hour, 3},
		{time.Hour, 1},
		{0, 0},
		{-time.Hour, 0},
		{-25 * time.Hour, -1},
	}

	for _, tc := range cases {
		if got := DaysUntil(now, now.Add(tc.offset)); got != tc.want {
			t.Errorf("DaysUntil(+%v) = %d, want %d", tc.offset, got, tc.want)
		}
	}
}

func TestHorizon(t *testing.T) {
	if h := DefaultSchedule.Horizon(); h != 8*24*time.Hour {
		t.Errorf("Horizon = %v, want 192h", h)
	}
}
