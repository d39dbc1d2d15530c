package proc

import "bytes"

const defaultMaxLineLen = 64 * 1024

// TruncationMarker is appended to lines longer than the tracked maximum.
const TruncationMarker = " [line truncated]"

// LineAssembler reconstructs a line-oriented view on top of chunk-level
// reads. Chunks split lines at arbitrary byte offsets, so consumers that
// want lines (the server's debug logging of stderr, for one) feed chunks in
// and get completed lines back. A line longer than the tracked maximum is
// truncated with an explicit marker rather than dropped or allowed to grow
// without bound.
type LineAssembler struct {
	max       int
	partial   []byte
	discarded bool // current line already over max; swallow until newline
}

// NewLineAssembler creates an assembler tracking at most max bytes per line.
// Zero selects the default (64 KiB).
func NewLineAssembler(max int) *LineAssembler {
	if max <= 0 {
		max = defaultMaxLineLen
	}
	return &LineAssembler{max: max}
}

// Feed consumes a chunk and returns any lines completed by it, without their
// trailing newline.
func (a *LineAssembler) Feed(data []byte) []string {
	var lines []string
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			a.accumulate(data)
			break
		}
		a.accumulate(data[:i])
		lines = append(lines, a.take())
		data = data[i+1:]
	}
	return lines
}

// Flush returns the trailing partial line, if any.
func (a *LineAssembler) Flush() (string, bool) {
	if len(a.partial) == 0 && !a.discarded {
		return "", false
	}
	return a.take(), true
}

func (a *LineAssembler) accumulate(b []byte) {
	if a.discarded {
		return
	}
	room := a.max - len(a.partial)
	if len(b) > room {
		a.partial = append(a.partial, b[:room]...)
		a.discarded = true
		return
	}
	a.partial = append(a.partial, b...)
}

func (a *LineAssembler) take() string {
	s := string(a.partial)
	if a.discarded {
		s += TruncationMarker
	}
	a.partial = a.partial[:0]
	a.discarded = false
	return s
}
