package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-relay/pkg/types"
)

// ErrBadOutput is returned by a CommandHandler whose command printed something
// that is not a JSON object.
var ErrBadOutput = errors.New("command output is not a JSON object")

// commandWaitDelay bounds how long a killed command may keep its output pipes open.
const commandWaitDelay = 2 * time.Second

// Handler performs one kind of job. The returned data is sent back to the
// requester as the job response.
type Handler interface {
	Handle(ctx context.Context, job *types.Job) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *types.Job) (map[string]any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *types.Job) (map[string]any, error) {
	return f(ctx, job)
}

// CommandHandler runs an external command per job.
//
// The job payload is written to the command's stdin as JSON; the command prints
// a JSON object on stdout, which becomes the response. A non-zero exit is a
// failure. The process is killed when ctx ends, so a runaway job never outlives
// its timeout.
type CommandHandler struct {
	Command []string
	Env     []string // extra KEY=VALUE pairs on top of the worker environment
}

// Handle runs the command for job.
func (h CommandHandler) Handle(ctx context.Context, job *types.Job) (map[string]any, error) {
	if len(h.Command) == 0 {
		return nil, errors.New("empty command")
	}
	input, err := job.Encode()
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(cmd.Environ(), h.Env...)
	cmd.WaitDelay = commandWaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command %q killed: %w", h.Command[0], ctx.Err())
		}
		return nil, fmt.Errorf("command %q failed: %w: %s", h.Command[0], err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return map[string]any{}, nil
	}
	var result map[string]any
	if err := types.Unmarshal(out, &result); err != nil || result == nil {
		return nil, fmt.Errorf("%w: %q", ErrBadOutput, h.Command[0])
	}
	return result, nil
}
