package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// maxLineSize bounds a single streamed JSON line (tool results can be large).
const maxLineSize = 10 * 1024 * 1024

// CLIRunner invokes the agent CLI in stream-json mode and parses its
// line-delimited output into Events.
type CLIRunner struct {
	binary    string
	extraArgs []string
	logger    *zap.Logger
}

// NewCLIRunner creates a runner for the given agent binary.
func NewCLIRunner(binary string, extraArgs []string, logger *zap.Logger) *CLIRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLIRunner{binary: binary, extraArgs: extraArgs, logger: logger}
}

// Execute implements Runner.
func (r *CLIRunner) Execute(ctx context.Context, req Request, onEvent func(Event)) error {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, r.extraArgs...)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent %s: %w", r.binary, err)
	}

	r.logger.Debug("agent started",
		zap.String("binary", r.binary),
		zap.String("model", req.Model),
		zap.String("workdir", req.WorkDir),
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		for _, ev := range ParseLine(line) {
			onEvent(ev)
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return fmt.Errorf("agent exited with error: %s", msg)
	}
	if scanErr != nil {
		return fmt.Errorf("failed reading agent stream: %w", scanErr)
	}
	return nil
}

// streamLine mirrors the agent CLI's stream-json envelope.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
			Name string `json:"name"`
		} `json:"content"`
	} `json:"message"`
}

// ParseLine converts one stream-json line into zero or more Events.
// Unknown line types are skipped.
func ParseLine(line []byte) []Event {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil
	}

	switch sl.Type {
	case "assistant":
		var events []Event
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, Event{Type: EventText, Text: block.Text})
				}
			case "tool_use":
				events = append(events, Event{Type: EventToolUse, ToolName: block.Name})
			}
		}
		return events
	case "result":
		return []Event{{Type: EventResult, Text: sl.Result, IsError: sl.IsError}}
	case "error":
		return []Event{{Type: EventError, Text: sl.Error.Message, IsError: true}}
	}
	return nil
}
