// Package speed tracks upload throughput and projects time to completion.
package speed

import (
	"fmt"
	"math"
	"time"
)

// DefaultWindow is the number of instantaneous samples averaged.
const DefaultWindow = 10

// Info is the derived view of upload progress after a sample.
type Info struct {
	SpeedBytesPerSec     float64 `json:"speedBytesPerSec"`
	TimeRemainingSeconds float64 `json:"timeRemainingSeconds"`
	Percentage           float64 `json:"percentage"`
	ElapsedSeconds       float64 `json:"elapsedSeconds"`
	BytesUploaded        int64   `json:"bytesUploaded"`
	TotalBytes           int64   `json:"totalBytes"`
}

// Calculating reports whether no throughput has been measured yet.
func (i Info) Calculating() bool {
	return i.SpeedBytesPerSec == 0
}

// Monitor smooths instantaneous upload speed over a bounded window.
// It is not safe for concurrent use.
type Monitor struct {
	now     func() time.Time
	window  int
	samples []float64

	start     time.Time
	lastTime  time.Time
	lastBytes int64
	started   bool
}

// NewMonitor creates a Monitor with the default window and wall clock.
func NewMonitor() *Monitor {
	return NewMonitorWithClock(DefaultWindow, time.Now)
}

// NewMonitorWithClock creates a Monitor with an explicit window and clock.
func NewMonitorWithClock(window int, now func() time.Time) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{now: now, window: window, samples: make([]float64, 0, window)}
}

// Update records a progress observation and returns the current estimate.
// Repeated or decreasing byte counts contribute a zero-speed sample.
func (m *Monitor) Update(bytesUploaded, totalBytes int64) Info {
	now := m.now()

	if !m.started {
		m.started = true
		m.start = now
		m.lastTime = now
		m.lastBytes = bytesUploaded
	} else {
		dt := now.Sub(m.lastTime).Seconds()
		if dt > 0 {
			delta := float64(bytesUploaded - m.lastBytes)
			if delta < 0 {
				delta = 0
			}
			m.push(delta / dt)
			m.lastTime = now
			m.lastBytes = bytesUploaded
		}
	}

	info := Info{
		SpeedBytesPerSec: m.mean(),
		ElapsedSeconds:   now.Sub(m.start).Seconds(),
		BytesUploaded:    bytesUploaded,
		TotalBytes:       totalBytes,
	}
	if totalBytes > 0 {
		info.Percentage = math.Min(100, math.Max(0, float64(bytesUploaded)/float64(totalBytes)*100))
	}
	if info.SpeedBytesPerSec > 0 {
		remaining := float64(totalBytes - bytesUploaded)
		info.TimeRemainingSeconds = math.Max(0, remaining/info.SpeedBytesPerSec)
	}
	return info
}

// Reset clears all samples.
func (m *Monitor) Reset() {
	m.samples = m.samples[:0]
	m.started = false
}

func (m *Monitor) push(v float64) {
	if len(m.samples) == m.window {
		copy(m.samples, m.samples[1:])
		m.samples = m.samples[:m.window-1]
	}
	m.samples = append(m.samples, v)
}

func (m *Monitor) mean() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range m.samples {
		sum += s
	}
	return sum / float64(len(m.samples))
}

// FormatSpeed renders bytes per second as B/s, KB/s or MB/s.
func FormatSpeed(bytesPerSec float64) string {
	switch {
	case bytesPerSec < 1024:
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	case bytesPerSec < 1024*1024:
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/1024)
	default:
		return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1024*1024))
	}
}

// FormatDuration renders seconds as "Xs", "Xm Ys" or "Xh Ym".
func FormatDuration(seconds float64) string {
	s := int(math.Round(math.Max(0, seconds)))
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
}

// FormatRemaining is FormatDuration that reads "calculating" before the first measurement.
func FormatRemaining(info Info) string {
	if info.Calculating() {
		return "calculating"
	}
	return FormatDuration(info.TimeRemainingSeconds)
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// FormatFileSize renders a byte count with a binary unit.
func FormatFileSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	i := int(math.Floor(math.Log(float64(n)) / math.Log(1024)))
	if i >= len(sizeUnits) {
		i = len(sizeUnits) - 1
	}
	v := float64(n) / math.Pow(1024, float64(i))
	if i == 0 {
		return fmt.Sprintf("%d Bytes", n)
	}
	return fmt.Sprintf("%.2f %s", v, sizeUnits[i])
}

// FormatCompressionRatio renders a percentage with one decimal, sign preserved.
func FormatCompressionRatio(percent float64) string {
	return fmt.Sprintf("%.1f%%", percent)
}
