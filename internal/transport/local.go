package transport

import (
	"context"
	"os/exec"
)

type LocalTransport struct{}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{}
}

func (t *LocalTransport) Describe() string {
	return "local"
}

func (t *LocalTransport) Run(ctx context.Context, command Command) (RunResult, error) {
	var cmd *exec.Cmd
	if command.Script != "" {
		cmd = exec.CommandContext(ctx, "bash", "-lc", command.Script)
	} else {
		cmd = exec.CommandContext(ctx, command.Tool, command.Args...)
	}
	return execute(ctx, cmd, command, t.Describe())
}
