package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// LaunchSpec describes a process to start behind a terminal.
type LaunchSpec struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string
	Cols       int
	Rows       int
}

// Process is a running terminal program.
type Process interface {
	io.Reader
	io.Writer
	Resize(cols, rows int) error
	PID() int
	// Wait blocks until the process exits.
	Wait() error
	// Close kills the process and releases the terminal.
	Close() error
}

// Launcher starts terminal processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// PTYLauncher runs commands on a pseudo-terminal.
type PTYLauncher struct{}

// Launch starts the command on a new pty sized to the requested grid.
func (PTYLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	if spec.Command == "" {
		return nil, errors.New("no command to launch")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, spec.Env...)

	f, err := pty.StartWithSize(cmd, winsize(spec.Cols, spec.Rows))
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	p := &ptyProcess{cmd: cmd, f: f, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func winsize(cols, rows int) *pty.Winsize {
	return &pty.Winsize{Cols: uint16(max(cols, 1)), Rows: uint16(max(rows, 1))}
}

type ptyProcess struct {
	cmd  *exec.Cmd
	f    *os.File
	done chan struct{}
	err  error

	closeOnce sync.Once
}

func (p *ptyProcess) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *ptyProcess) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *ptyProcess) PID() int                    { return p.cmd.Process.Pid }

func (p *ptyProcess) Resize(cols, rows int) error {
	return pty.Setsize(p.f, winsize(cols, rows))
}

func (p *ptyProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *ptyProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		select {
		case <-p.done:
		default:
			_ = p.cmd.Process.Kill()
		}
		err = p.f.Close()
	})
	return err
}
