package capture

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"camera-core-server/util"
)

// stderrRingSize bounds how many decoder stderr lines we keep for
// diagnostics.
const stderrRingSize = 20

// tailRing keeps the last N stderr lines. Lines are credential-masked
// before storage so a raw URI can never leak through a debug record.
type tailRing struct {
	mu    sync.Mutex
	lines []string
}

func newTailRing() *tailRing {
	return &tailRing{lines: make([]string, 0, stderrRingSize)}
}

func (r *tailRing) append(line string) {
	line = util.MaskCredentials(strings.TrimRight(line, "\r\n"))
	r.mu.Lock()
	if len(r.lines) == stderrRingSize {
		copy(r.lines, r.lines[1:])
		r.lines = r.lines[:stderrRingSize-1]
	}
	r.lines = append(r.lines, line)
	r.mu.Unlock()
}

func (r *tailRing) reset() {
	r.mu.Lock()
	r.lines = r.lines[:0]
	r.mu.Unlock()
}

// Tail returns a copy of the buffered lines, oldest first.
func (r *tailRing) Tail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func (r *tailRing) String() string {
	return strings.Join(r.Tail(), "\n")
}

// drain reads rd line by line into the ring until EOF. Runs on its own
// goroutine per decoder process.
func (r *tailRing) drain(rd io.Reader) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		r.append(scanner.Text())
	}
}
