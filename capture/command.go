// Copyright 2017 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package capture

import (
	"context"
	"os/exec"
)

// CommandExecutor runs one prepared command.
type CommandExecutor interface {
	// Run executes the command and returns the combined output.
	Run() ([]byte, error)
}

// CommandBuilder prepares external commands.
//
// Commands are built from an argv; no shell is involved so arguments are
// never interpreted.
type CommandBuilder interface {
	BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor
}

// ExecCommandBuilder implements CommandBuilder with os/exec.
type ExecCommandBuilder struct{}

// BuildCommand implements CommandBuilder.
func (ExecCommandBuilder) BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor {
	return &execCommand{cmd: exec.CommandContext(ctx, name, args...)}
}

type execCommand struct {
	cmd *exec.Cmd
}

func (e *execCommand) Run() ([]byte, error) {
	return e.cmd.CombinedOutput()
}
