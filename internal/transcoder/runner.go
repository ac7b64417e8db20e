package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// maxStderrTail bounds how much of a failing command's stderr is kept.
const maxStderrTail = 4096

// Runner executes external media tools.
type Runner interface {
	// Output runs the command and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Stream runs the command and calls onLine for every stdout line.
	Stream(ctx context.Context, onLine func(string), name string, args ...string) error
}

// CommandRunner runs commands on the local host.
type CommandRunner struct{}

// Output runs name with args and returns its stdout.
func (CommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: maxStderrTail}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return nil, commandError(ctx, name, err, stderr)
	}
	return stdout.Bytes(), nil
}

// Stream runs name with args, scanning stdout line by line.
func (CommandRunner) Stream(ctx context.Context, onLine func(string), name string, args ...string) error {
	stderr := &tailBuffer{max: maxStderrTail}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = stderr

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	scanner := bufio.NewScanner(stdoutPipe)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	// A line over the scanner limit stops Scan; drain the rest so the process never blocks.
	_, _ = io.Copy(io.Discard, stdoutPipe)

	if err := cmd.Wait(); err != nil {
		return commandError(ctx, name, err, stderr)
	}
	return nil
}

func commandError(ctx context.Context, name string, err error, stderr *tailBuffer) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s interrupted: %w", name, ctxErr)
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("%s: %w", name, err)
	}
	return fmt.Errorf("%s: %w: %s", name, err, msg)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
