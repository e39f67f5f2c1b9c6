package supervisor

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/jrepp/botfleet/pkg/fleet"
	"github.com/jrepp/botfleet/pkg/procmgr"
)

// MaxLogLines caps a single tail request.
const MaxLogLines = 1000

// DefaultLogLines is used when a caller asks for zero lines.
const DefaultLogLines = 100

// TailLog returns the last lines of a worker log written under logDir. A log
// that does not exist yet yields no lines.
func TailLog(logDir, handle string, stream Stream, lines int) ([]string, error) {
	if logDir == "" {
		return nil, nil
	}
	outPath, errPath := procmgr.LogPaths(logDir, procmgr.ProcessID(handle))
	path := outPath
	if stream == StreamStderr {
		path = errPath
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fleet.StoreError("open_log", err)
	}
	defer f.Close()

	return tailLines(f, clampLines(lines))
}

func clampLines(n int) int {
	switch {
	case n <= 0:
		return DefaultLogLines
	case n > MaxLogLines:
		return MaxLogLines
	default:
		return n
	}
}

// tailLines keeps a ring of the last n lines read from r.
func tailLines(r io.Reader, n int) ([]string, error) {
	ring := make([]string, n)
	count := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, fleet.StoreError("read_log", err)
	}

	if count <= n {
		return append([]string{}, ring[:count]...), nil
	}
	start := count % n
	return append(append([]string{}, ring[start:]...), ring[:start]...), nil
}
