// Package shell implements the supervisor-side multiplexer (spec.md §4.9,
// C10): it forks one child process per agent, fans their IPC traffic into
// a single outbound frame stream, and translates host commands back into
// per-agent IPC.
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/gatord/gatord-core/internal/ipc"
)

// AgentHandle owns one forked agent child process and the IPC sink/source
// pair wired to its stdin/stdout, following the teacher's cmd/agent +
// cmd/server single-binary/subcommand-dispatch split: the same binary
// re-execs itself with an agent subcommand.
type AgentHandle struct {
	Name string

	cmd    *exec.Cmd
	sink   *ipc.Sink
	source *ipc.Source
}

// SpawnAgent forks self (the gatord binary) re-invoked with subcommand and
// args, wiring an os.Pipe pair to its stdin/stdout for the IPC channel.
func SpawnAgent(ctx context.Context, name, self, subcommand string, args []string, logger *slog.Logger) (*AgentHandle, error) {
	toAgentR, toAgentW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("shell: creating stdin pipe for %s: %w", name, err)
	}
	fromAgentR, fromAgentW, err := os.Pipe()
	if err != nil {
		toAgentR.Close()
		toAgentW.Close()
		return nil, fmt.Errorf("shell: creating stdout pipe for %s: %w", name, err)
	}

	cmd := exec.CommandContext(ctx, self, append([]string{subcommand}, args...)...)
	cmd.Stdin = toAgentR
	cmd.Stdout = fromAgentW
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		toAgentR.Close()
		toAgentW.Close()
		fromAgentR.Close()
		fromAgentW.Close()
		return nil, fmt.Errorf("shell: starting agent %s: %w", name, err)
	}

	// The parent only needs the write end of stdin and the read end of
	// stdout; the child inherited the other ends across fork.
	toAgentR.Close()
	fromAgentW.Close()

	return &AgentHandle{
		Name:   name,
		cmd:    cmd,
		sink:   ipc.NewSink(toAgentW, logger),
		source: ipc.NewSource(fromAgentR),
	}, nil
}

// Send enqueues m for delivery to the agent.
func (h *AgentHandle) Send(m ipc.Message, done func(error)) {
	h.sink.Send(m, done)
}

// Recv reads the next message the agent emitted. Blocks until one arrives
// or the pipe closes.
func (h *AgentHandle) Recv() (ipc.Message, error) {
	return h.source.Recv()
}

// Close shuts down the IPC sink and waits for the child process to exit.
func (h *AgentHandle) Close() error {
	h.sink.Close()
	return h.cmd.Wait()
}

// Kill terminates the child process immediately, for shutdown paths where
// the agent did not exit cooperatively in time.
func (h *AgentHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}
