package capture

import (
	"io"
	"os/exec"
)

// Runner abstracts command execution so tests can record what would
// run without tcpdump, fuser or tshark installed.
type Runner interface {
	// Start launches a long-running command and returns immediately.
	Start(name string, args ...string) error

	// Run executes a command to completion, sending stdout to out.
	Run(out io.Writer, name string, args ...string) error
}

// ExecRunner implements Runner with os/exec.
type ExecRunner struct{}

func (ExecRunner) Start(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	// Reap the child when it exits so it never lingers as a zombie.
	go cmd.Wait()
	return nil
}

func (ExecRunner) Run(out io.Writer, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = out
	return cmd.Run()
}
