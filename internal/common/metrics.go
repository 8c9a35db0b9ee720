package common

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metrics counts the frames a decode run has processed. It is shared by the
// replay loop and its progress printer.
type Metrics struct {
	mu       sync.Mutex
	start    time.Time
	end      time.Time
	frames   int64
	bytes    int64
	errors   int64
	verdicts map[string]int64
}

func NewMetrics() *Metrics {
	return &Metrics{verdicts: make(map[string]int64)}
}

func (m *Metrics) Start() {
	m.mu.Lock()
	if m.start.IsZero() {
		m.start = time.Now()
		m.end = time.Time{}
	}
	m.mu.Unlock()
}

func (m *Metrics) Stop() {
	m.mu.Lock()
	if !m.start.IsZero() && m.end.IsZero() {
		m.end = time.Now()
	}
	m.mu.Unlock()
}

// ObserveFrame records one decoded frame and its verdict.
func (m *Metrics) ObserveFrame(id uint32, size int, verdict string) {
	m.mu.Lock()
	m.frames++
	m.bytes += int64(size)
	m.verdicts[verdict]++
	m.mu.Unlock()
}

// ObserveError records a frame that could not be decoded.
func (m *Metrics) ObserveError(id uint32, kind string) {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	verdicts := make(map[string]int64, len(m.verdicts))
	for k, v := range m.verdicts {
		verdicts[k] = v
	}
	return MetricsSnapshot{
		Duration: m.elapsedLocked(),
		Frames:   m.frames,
		Bytes:    m.bytes,
		Errors:   m.errors,
		Verdicts: verdicts,
	}
}

func (m *Metrics) elapsedLocked() time.Duration {
	if m.start.IsZero() {
		return 0
	}
	if !m.end.IsZero() {
		return m.end.Sub(m.start)
	}
	return time.Since(m.start)
}

type MetricsSnapshot struct {
	Duration time.Duration    `json:"durationNs"`
	Frames   int64            `json:"frames"`
	Bytes    int64            `json:"bytes"`
	Errors   int64            `json:"errors"`
	Verdicts map[string]int64 `json:"verdicts"`
}

func (s MetricsSnapshot) FramesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Duration.Seconds()
}

// VerdictSummary renders the verdict counts as "name=count" pairs in name
// order.
func (s MetricsSnapshot) VerdictSummary() string {
	names := make([]string, 0, len(s.Verdicts))
	for name := range s.Verdicts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, s.Verdicts[name]))
	}
	return strings.Join(parts, " ")
}

func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div := float64(unit)
	exp := 0
	for n := float64(b) / div; n >= unit && exp < 6; n /= unit {
		div *= unit
		exp++
	}
	prefixes := []string{"KiB", "MiB", "GiB", "TiB", "PiB", "EiB"}
	return fmt.Sprintf("%.2f %s", float64(b)/div, prefixes[exp])
}

func formatProgressLine(s MetricsSnapshot) string {
	return fmt.Sprintf("Frames: %d (%s) %.0f/s errors=%d %s",
		s.Frames, FormatBytes(s.Bytes), s.FramesPerSecond(), s.Errors, s.VerdictSummary())
}

// StartProgressPrinter rewrites a single progress line on w every interval
// until the returned stop function is called.
func StartProgressPrinter(w io.Writer, m *Metrics, interval time.Duration) func() {
	if m == nil || w == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		lastLen := 0
		for {
			select {
			case <-ticker.C:
				line := formatProgressLine(m.Snapshot())
				pad := lastLen - len(line)
				if pad > 0 {
					line += strings.Repeat(" ", pad)
				}
				fmt.Fprintf(w, "\r%s", line)
				lastLen = len(line)
			case <-done:
				if lastLen > 0 {
					fmt.Fprintf(w, "\r%s\r\n", strings.Repeat(" ", lastLen))
				}
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
