package controller

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/prometheus/procfs"
)

// TCP socket states as reported by /proc/net/tcp.
const (
	tcpEstablished = 1
	tcpListen      = 10
)

// ProcAdapter is the production ProcessAdapter, backed by procfs.
type ProcAdapter struct {
	fs procfs.FS
}

// NewProcAdapter mounts the default /proc filesystem.
func NewProcAdapter() (*ProcAdapter, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &ProcAdapter{fs: fs}, nil
}

// Launch runs the wrapper script through a shell and returns without
// waiting for the controller to come up.
func (a *ProcAdapter) Launch(scriptPath string) error {
	cmd := exec.Command("/bin/sh", scriptPath)
	if err := cmd.Start(); err != nil {
		return err
	}
	// Reap the shell when it exits so it never lingers as a zombie.
	go cmd.Wait()
	return nil
}

// Terminate delivers SIGTERM to pid.
func (a *ProcAdapter) Terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// ListenerPID finds the process owning a TCP listener on port by
// matching the socket inode against every process's file descriptors.
// Returns 0 when nothing is listening.
func (a *ProcAdapter) ListenerPID(port int) (int, error) {
	inode, found, err := a.listenerInode(port)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}

	procs, err := a.fs.AllProcs()
	if err != nil {
		return 0, fmt.Errorf("failed to list processes: %w", err)
	}

	target := fmt.Sprintf("socket:[%d]", inode)
	for _, proc := range procs {
		// Processes can exit mid-scan; skip the ones we can't read.
		targets, err := proc.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, t := range targets {
			if t == target {
				return proc.PID, nil
			}
		}
	}
	return 0, nil
}

// Established counts TCP connections to port in the ESTABLISHED state.
func (a *ProcAdapter) Established(port int) (int, error) {
	count := 0
	for _, lines := range a.socketTables() {
		for _, line := range lines {
			if line.St != tcpEstablished {
				continue
			}
			if line.LocalPort == uint64(port) || line.RemPort == uint64(port) {
				count++
			}
		}
	}
	return count, nil
}

func (a *ProcAdapter) listenerInode(port int) (uint64, bool, error) {
	tables := a.socketTables()
	if len(tables) == 0 {
		return 0, false, fmt.Errorf("no readable TCP socket tables in procfs")
	}
	for _, lines := range tables {
		for _, line := range lines {
			if line.St == tcpListen && line.LocalPort == uint64(port) {
				return line.Inode, true, nil
			}
		}
	}
	return 0, false, nil
}

// socketTables returns whichever of the v4/v6 TCP tables are readable.
func (a *ProcAdapter) socketTables() []procfs.NetTCP {
	var tables []procfs.NetTCP
	if t, err := a.fs.NetTCP(); err == nil {
		tables = append(tables, t)
	}
	if t, err := a.fs.NetTCP6(); err == nil {
		tables = append(tables, t)
	}
	return tables
}
