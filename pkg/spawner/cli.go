package spawner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/butler-platform/butlerd/pkg/fault"
)

// scanner line cap; agent CLIs can emit long single-line JSON.
const maxLineBytes = 1 << 20

// CLI is the stock SDKQuery adapter: each session is one subprocess of the
// configured command. The prompt is written to stdin, stdout lines stream
// back as progress messages, and process exit produces the final message.
type CLI struct {
	command []string
	logger  *slog.Logger
}

// NewCLI creates the subprocess adapter from an argv-style command,
// normally [butler.spawner] command.
func NewCLI(command []string) (*CLI, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("session command: %w", fault.NewValidationError("command", "required"))
	}
	return &CLI{
		command: append([]string(nil), command...),
		logger:  slog.Default().With("component", "session-cli"),
	}, nil
}

// Query starts the subprocess and streams its stdout. Cancelling ctx kills
// the process; the stream closes once it has been reaped.
func (c *CLI) Query(ctx context.Context, req QueryRequest) (<-chan Message, error) {
	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open session stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start session command: %w", err)
	}
	c.logger.Debug("Session process started",
		"session_id", req.SessionID, "pid", cmd.Process.Pid)

	out := make(chan Message, 16)
	go func() {
		defer close(out)

		var lines []string
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			lines = append(lines, line)
			select {
			case out <- Message{Content: line}:
			case <-ctx.Done():
				// Consumer is gone; keep reading so the process can
				// exit and be reaped below.
			}
		}

		waitErr := cmd.Wait()
		final := Message{Content: strings.Join(lines, "\n"), IsFinal: true}
		if waitErr != nil {
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = waitErr.Error()
			}
			final.Error = fmt.Sprintf("session command failed: %s", detail)
		}
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
