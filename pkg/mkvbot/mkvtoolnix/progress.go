package mkvtoolnix

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// progressPattern matches the two progress formats printed by mkvmerge and
// mkvextract: "Progress: 42%" and, with --gui-mode, "#GUI#progress 42%".
var progressPattern = regexp.MustCompile(`(?:^#GUI#progress\s+|Progress:\s*)(\d{1,3})%`)

// ParseProgress extracts a percentage from one line of tool output.
func ParseProgress(line string) (int, bool) {
	m := progressPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, false
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if pct > 100 {
		pct = 100
	}
	return pct, true
}

// ProgressGate forwards percentages that are strictly increasing and spaced
// at least interval apart. 100% is always let through once.
type ProgressGate struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	last     int
	lastSent time.Time
}

// NewProgressGate creates a gate. A zero interval only enforces ordering.
func NewProgressGate(interval time.Duration) *ProgressGate {
	return &ProgressGate{interval: interval, now: time.Now, last: -1}
}

// Offer returns true when pct should be forwarded.
func (g *ProgressGate) Offer(pct int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pct <= g.last {
		return false
	}
	now := g.now()
	if pct < 100 && g.last >= 0 && now.Sub(g.lastSent) < g.interval {
		return false
	}
	g.last = pct
	g.lastSent = now
	return true
}

// Last returns the last forwarded percentage, or -1.
func (g *ProgressGate) Last() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// scanLines is a bufio.SplitFunc that splits on both '\n' and '\r'.
// mkvmerge redraws its progress line with carriage returns.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps the most recent lines within a byte budget.
type tailBuffer struct {
	max   int
	lines []string
	size  int
	mu    sync.Mutex
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) add(line string) {
	if line == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.max > 0 && b.size > b.max && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// Excerpt returns at most max bytes from the end of s, cut at a line boundary when possible.
func Excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	tail := s[len(s)-max:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
		tail = tail[i+1:]
	}
	return "…\n" + tail
}
