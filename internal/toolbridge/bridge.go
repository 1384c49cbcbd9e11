// Package toolbridge provides the default runqueue.ToolExecutor wired by
// cmd/serve.go. Per-tool bodies (shell, filesystem, browser, research
// stores) are out of this gateway's scope (spec.md §1) — what IS in scope
// is handing an approved tool call to whatever external process executes
// it. NotConfigured is the zero-dependency default for a gateway run
// without such a process attached; Subprocess pipes calls to one over
// stdin/stdout as newline-delimited JSON, the same shape the teacher's own
// subprocess-based tools (internal/tools/shell.go) use for delimiting
// external process I/O.
package toolbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
)

// NotConfigured is a runqueue.ToolExecutor that refuses every call — the
// gateway default until an operator wires in a real tool-execution
// process via Subprocess.
type NotConfigured struct{}

func (NotConfigured) Execute(ctx context.Context, toolName string, input []byte) (string, bool) {
	return fmt.Sprintf("tool execution is not configured for this gateway (tool %q)", toolName), true
}

// Subprocess forwards each tool call to a long-lived external process over
// its stdin/stdout as one JSON request/response line per call, serializing
// access with a mutex since a subprocess pipe has no concept of concurrent
// in-flight requests.
type Subprocess struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *json.Encoder
	stdout *bufio.Scanner
}

type bridgeRequest struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

type bridgeResponse struct {
	Result  string `json:"result"`
	IsError bool   `json:"isError"`
}

// NewSubprocess starts command as the gateway's tool-execution bridge. The
// process is expected to read one bridgeRequest JSON object per line from
// stdin and write one bridgeResponse JSON object per line to stdout.
func NewSubprocess(ctx context.Context, name string, args ...string) (*Subprocess, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("tool bridge stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tool bridge stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tool bridge: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return &Subprocess{
		cmd:    cmd,
		stdin:  json.NewEncoder(stdin),
		stdout: scanner,
	}, nil
}

func (s *Subprocess) Execute(ctx context.Context, toolName string, input []byte) (result string, isError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stdin.Encode(bridgeRequest{Tool: toolName, Input: input}); err != nil {
		return fmt.Sprintf("tool bridge write failed: %v", err), true
	}
	if !s.stdout.Scan() {
		if err := s.stdout.Err(); err != nil {
			return fmt.Sprintf("tool bridge read failed: %v", err), true
		}
		return "tool bridge closed its output", true
	}

	var resp bridgeResponse
	if err := json.Unmarshal(s.stdout.Bytes(), &resp); err != nil {
		return fmt.Sprintf("tool bridge returned malformed response: %v", err), true
	}
	return resp.Result, resp.IsError
}

// Close terminates the bridge process.
func (s *Subprocess) Close() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}
