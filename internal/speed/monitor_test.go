package speed

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor() (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewMonitorWithClock(DefaultWindow, clock.now), clock
}

func TestMonitor_FirstSampleIsCalculating(t *testing.T) {
	m, _ := newTestMonitor()

	info := m.Update(0, 1000)
	if !info.Calculating() {
		t.Errorf("SpeedBytesPerSec = %v, want 0", info.SpeedBytesPerSec)
	}
	if info.TimeRemainingSeconds != 0 {
		t.Errorf("TimeRemainingSeconds = %v, want 0", info.TimeRemainingSeconds)
	}
	if got := FormatRemaining(info); got != "calculating" {
		t.Errorf("FormatRemaining() = %q, want calculating", got)
	}
}

func TestMonitor_SmoothedSpeed(t *testing.T) {
	m, clock := newTestMonitor()

	m.Update(0, 10000)
	clock.advance(time.Second)
	m.Update(1000, 10000) // 1000 B/s
	clock.advance(time.Second)
	info := m.Update(4000, 10000) // 3000 B/s

	if info.SpeedBytesPerSec != 2000 {
		t.Errorf("SpeedBytesPerSec = %v, want 2000", info.SpeedBytesPerSec)
	}
	if info.TimeRemainingSeconds != 3 {
		t.Errorf("TimeRemainingSeconds = %v, want 3", info.TimeRemainingSeconds)
	}
	if info.Percentage != 40 {
		t.Errorf("Percentage = %v, want 40", info.Percentage)
	}
	if info.ElapsedSeconds != 2 {
		t.Errorf("ElapsedSeconds = %v, want 2", info.ElapsedSeconds)
	}
}

func TestMonitor_RepeatedBytesContributeZero(t *testing.T) {
	m, clock := newTestMonitor()

	m.Update(0, 1000)
	clock.advance(time.Second)
	m.Update(500, 1000)
	clock.advance(time.Second)
	info := m.Update(500, 1000)

	if info.SpeedBytesPerSec != 250 {
		t.Errorf("SpeedBytesPerSec = %v, want 250", info.SpeedBytesPerSec)
	}
}

func TestMonitor_NonMonotonicNeverNegative(t *testing.T) {
	m, clock := newTestMonitor()

	m.Update(800, 1000)
	for _, b := range []int64{200, 100, 100, 50} {
		clock.advance(500 * time.Millisecond)
		info := m.Update(b, 1000)
		if info.SpeedBytesPerSec < 0 {
			t.Fatalf("SpeedBytesPerSec = %v after retry, want >= 0", info.SpeedBytesPerSec)
		}
		if info.TimeRemainingSeconds < 0 {
			t.Fatalf("TimeRemainingSeconds = %v, want >= 0", info.TimeRemainingSeconds)
		}
	}
}

func TestMonitor_WindowBounded(t *testing.T) {
	m, clock := newTestMonitor()

	m.Update(0, 1<<30)
	var total int64
	// Ten slow samples then ten fast ones; only the fast ones remain.
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		total += 100
		m.Update(total, 1<<30)
	}
	var info Info
	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		total += 5000
		info = m.Update(total, 1<<30)
	}

	if info.SpeedBytesPerSec != 5000 {
		t.Errorf("SpeedBytesPerSec = %v, want 5000", info.SpeedBytesPerSec)
	}
	if len(m.samples) != DefaultWindow {
		t.Errorf("len(samples) = %d, want %d", len(m.samples), DefaultWindow)
	}
}

func TestMonitor_SameInstantIgnored(t *testing.T) {
	m, _ := newTestMonitor()

	m.Update(0, 100)
	info := m.Update(50, 100)
	if info.SpeedBytesPerSec != 0 {
		t.Errorf("SpeedBytesPerSec = %v, want 0 for zero elapsed time", info.SpeedBytesPerSec)
	}
	if info.Percentage != 50 {
		t.Errorf("Percentage = %v, want 50", info.Percentage)
	}
}

func TestMonitor_Reset(t *testing.T) {
	m, clock := newTestMonitor()
	m.Update(0, 100)
	clock.advance(time.Second)
	m.Update(100, 100)

	m.Reset()
	if info := m.Update(0, 100); !info.Calculating() {
		t.Error("Update() after Reset() should be calculating")
	}
}

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0 B/s"},
		{512, "512 B/s"},
		{1536, "1.5 KB/s"},
		{5 * 1024 * 1024, "5.0 MB/s"},
	}

	for _, tt := range tests {
		if got := FormatSpeed(tt.in); got != tt.want {
			t.Errorf("FormatSpeed(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0s"},
		{45, "45s"},
		{90, "1m 30s"},
		{3599, "59m 59s"},
		{3600, "1h 0m"},
		{7384, "2h 3m"},
		{-5, "0s"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatFileSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 Bytes"},
		{512, "512 Bytes"},
		{1536, "1.50 KB"},
		{50 << 20, "50.00 MB"},
		{3 << 30, "3.00 GB"},
	}

	for _, tt := range tests {
		if got := FormatFileSize(tt.in); got != tt.want {
			t.Errorf("FormatFileSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatCompressionRatio(t *testing.T) {
	if got := FormatCompressionRatio(42.345); got != "42.3%" {
		t.Errorf("FormatCompressionRatio() = %q, want 42.3%%", got)
	}
	if got := FormatCompressionRatio(-12.5); got != "-12.5%" {
		t.Errorf("FormatCompressionRatio() = %q, want -12.5%%", got)
	}
}
