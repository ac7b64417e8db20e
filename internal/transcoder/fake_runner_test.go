package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
)

// fakeRunner imitates ffprobe and ffmpeg by writing the files they would produce.
type fakeRunner struct {
	mu          sync.Mutex
	probeOut    []byte
	probeErr    error
	failOutputs map[string]error // keyed by output base name substring
	progress    []string
	extraTail   bool
	dropLast    bool // muxer finds no keyframe at the final cut
	calls       [][]string
}

func (f *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.record(name, args)
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return f.probeOut, nil
}

func (f *fakeRunner) Stream(ctx context.Context, onLine func(string), name string, args ...string) error {
	f.record(name, args)
	if err := ctx.Err(); err != nil {
		return err
	}

	out := args[len(args)-1]
	for key, err := range f.failOutputs {
		if strings.Contains(out, key) {
			return err
		}
	}

	if slices.Contains(args, "segment") {
		return f.writeSegments(args, out)
	}

	for _, line := range f.progress {
		if onLine != nil {
			onLine(line)
		}
	}
	return os.WriteFile(out, []byte("encoded:"+out), 0o644)
}

func (f *fakeRunner) writeSegments(args []string, pattern string) error {
	count := 1
	if i := slices.Index(args, "-segment_times"); i >= 0 {
		count = len(strings.Split(args[i+1], ",")) + 1
	}
	if f.extraTail {
		count++
	}
	if f.dropLast && count > 1 {
		count--
	}
	for i := 0; i < count; i++ {
		if err := os.WriteFile(fmt.Sprintf(pattern, i), []byte(fmt.Sprintf("ts%d;", i)), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRunner) record(name string, args []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
}

var errBoom = errors.New("boom")
