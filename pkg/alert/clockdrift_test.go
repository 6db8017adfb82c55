package alert

import (
	"strings"
	"testing"
	"time"
)

func TestClockDriftThreshold(t *testing.T) {
	tests := []struct {
		name        string
		elapsed     time.Duration
		wallJump    time.Duration
		significant bool
	}{
		{name: "no drift", elapsed: time.Minute},
		{name: "ntp slew forward", elapsed: time.Minute, wallJump: 3 * time.Second},
		{name: "ntp slew backward", elapsed: time.Minute, wallJump: -3 * time.Second},
		{name: "just below", elapsed: time.Minute, wallJump: 15*time.Second - time.Millisecond},
		{name: "at threshold", elapsed: time.Minute, wallJump: 15 * time.Second, significant: true},
		{name: "backward at threshold", elapsed: time.Minute, wallJump: -15 * time.Second, significant: true},
		{name: "one hour forward", wallJump: time.Hour, significant: true},
		{name: "one day backward", elapsed: 20 * time.Minute, wallJump: -24 * time.Hour, significant: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(t0)
			d := NewClockDriftDetector(clock, 15*time.Second)

			clock.Advance(tt.elapsed)
			clock.SetWall(clock.Now().Add(tt.wallJump))

			jump, significant := d.OnClockSignal()
			if significant != tt.significant {
				t.Fatalf("significant = %v, want %v (drift %s)", significant, tt.significant, jump.Drift)
			}
			if jump.Drift != tt.wallJump {
				t.Fatalf("drift = %s, want %s", jump.Drift, tt.wallJump)
			}
		})
	}
}

func TestClockDriftRefreshesBaselineWhenInsignificant(t *testing.T) {
	clock := newFakeClock(t0)
	d := NewClockDriftDetector(clock, 15*time.Second)

	clock.Advance(time.Minute)
	clock.SetWall(clock.Now().Add(3 * time.Second))
	if _, significant := d.OnClockSignal(); significant {
		t.Fatal("3s jump reported as significant")
	}

	b := d.Baseline()
	if !b.ObservedWallClock.Equal(clock.Now()) || b.MonotonicMark != clock.Monotonic() {
		t.Fatalf("baseline not refreshed: %+v", b)
	}

	// Small drifts must not accumulate.
	for i := 0; i < 10; i++ {
		clock.Advance(time.Minute)
		clock.SetWall(clock.Now().Add(3 * time.Second))
		if _, significant := d.OnPeriodicCheck(); significant {
			t.Fatalf("accumulated drift reported at iteration %d", i)
		}
	}
}

func TestClockDriftReportsLargeJumpOnce(t *testing.T) {
	clock := newFakeClock(t0)
	d := NewClockDriftDetector(clock, 15*time.Second)

	clock.SetWall(t0.Add(time.Hour))
	if _, significant := d.OnClockSignal(); !significant {
		t.Fatal("1h jump not reported")
	}
	clock.Advance(20 * time.Minute)
	if _, significant := d.OnPeriodicCheck(); significant {
		t.Fatal("same jump reported twice")
	}
}

func TestFormatClockJump(t *testing.T) {
	late := time.Date(2024, 3, 14, 23, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		jump    ClockJump
		want    []string
		notWant []string
	}{
		{
			name: "forward same day",
			jump: ClockJump{Expected: t0, Actual: t0.Add(time.Hour), Drift: time.Hour},
			want: []string{"forward", "1h0m0s", "09:30:00 AM", "10:30:00 AM"},
			notWant: []string{
				"03/14/2024",
				"date changed",
			},
		},
		{
			name: "forward into next day",
			jump: ClockJump{Expected: late, Actual: late.Add(time.Hour), Drift: time.Hour},
			want: []string{"forward", "03/14/2024 11:30:00 PM", "03/15/2024 12:30:00 AM", "The date changed."},
		},
		{
			name:    "backward",
			jump:    ClockJump{Expected: t0, Actual: t0.Add(-20 * time.Second), Drift: -20 * time.Second},
			want:    []string{"backward", "20s"},
			notWant: []string{"forward"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatClockJump(tt.jump)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("%q does not contain %q", got, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(got, w) {
					t.Errorf("%q unexpectedly contains %q", got, w)
				}
			}
		})
	}
}
