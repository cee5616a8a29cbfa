package server

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/ValentinKolb/kvcheck/lib/common"
	"github.com/shirou/gopsutil/v3/process"
)

// Output is everything the server wrote to stdout and stderr
type Output struct {
	Stdout string
	Stderr string
}

// Empty reports whether the server was silent
func (o Output) Empty() bool {
	return o.Stdout == "" && o.Stderr == ""
}

func (o Output) String() string {
	return fmt.Sprintf("stdout: %s\nstderr: %s", o.Stdout, o.Stderr)
}

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IProcess is the capability the harness needs from the server under test.
// The harness only depends on this interface; the server can be spawned by
// the harness or be an already running process.
type IProcess interface {
	// Start starts the server (or checks that it is alive)
	Start() error

	// Stop stops the server and returns its output. Stopping a server that
	// already exited is an error.
	Stop() (Output, error)

	// Poll reports whether the server has exited
	Poll() bool

	// Pid returns the process id of the server
	Pid() int

	// Threads returns the ids of all threads besides the main thread
	Threads() ([]int32, error)

	// DumpPath returns the path of the file the server writes on DUMP
	DumpPath() string
}

// NewProcess returns the process variant selected by the configuration: an
// attached process if AttachPID is set, a spawned one otherwise
func NewProcess(config common.ServerConfig) IProcess {
	if config.AttachPID > 0 {
		return NewAttachedProcess(config)
	}
	return NewSpawnedProcess(config)
}

// --------------------------------------------------------------------------
// Spawned process
// --------------------------------------------------------------------------

type spawnedProcess struct {
	config common.ServerConfig
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan struct{}
	proc   *process.Process
}

// NewSpawnedProcess creates a server process that is started by the harness
func NewSpawnedProcess(config common.ServerConfig) IProcess {
	return &spawnedProcess{config: config}
}

func (p *spawnedProcess) Start() error {
	p.stdout.Reset()
	p.stderr.Reset()

	p.cmd = exec.Command(p.config.Bin, p.config.Args...)
	p.cmd.Dir = p.config.Dir
	p.cmd.Stdout = &p.stdout
	p.cmd.Stderr = &p.stderr
	// a server that forked children must not keep us waiting for its pipes
	p.cmd.WaitDelay = p.config.StopGrace

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start server %s: %w", p.config.Bin, err)
	}

	p.done = make(chan struct{})
	go func() {
		_ = p.cmd.Wait()
		close(p.done)
	}()

	select {
	case <-p.done:
		return common.TestErrorf("Server exited immediately after starting.\n%s", p.output())
	case <-time.After(p.config.StartGrace):
	}

	proc, err := process.NewProcess(int32(p.cmd.Process.Pid))
	if err != nil {
		return fmt.Errorf("failed to inspect server process: %w", err)
	}
	p.proc = proc

	Logger.Infof("started server %s with pid %d", p.config.Bin, p.cmd.Process.Pid)
	return nil
}

func (p *spawnedProcess) Stop() (Output, error) {
	if p.cmd == nil || p.cmd.Process == nil {
		return Output{}, fmt.Errorf("server was never started")
	}
	if p.Poll() {
		out := p.output()
		return out, common.TestErrorf("Server was already stopped.\n%s", out)
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(p.config.StopGrace):
		Logger.Warningf("server did not exit within %v after SIGTERM, killing it", p.config.StopGrace)
		_ = p.cmd.Process.Kill()
		select {
		case <-p.done:
		case <-time.After(p.config.CmdTimeout):
			return p.output(), fmt.Errorf("server with pid %d could not be killed", p.cmd.Process.Pid)
		}
	}

	out := p.output()
	if p.config.AllowOutput {
		Logger.Infof("Server exited normally.\n%s", out)
		return out, nil
	}
	if !out.Empty() {
		return out, common.TestErrorf("Your server produced output to stdout or stderr, which is not allowed.\n"+
			"For debugging, allow output temporarily with --allow-output, "+
			"or run the server manually and attach to it with --attach-pid.\n%s", out)
	}
	return out, nil
}

func (p *spawnedProcess) Poll() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *spawnedProcess) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *spawnedProcess) Threads() ([]int32, error) {
	return threadsOf(p.proc)
}

func (p *spawnedProcess) DumpPath() string {
	return dumpPathOf(p.proc, p.Pid(), p.config.DumpFile)
}

// output must only be called after the process exited, the buffers are
// written by the exec package until then
func (p *spawnedProcess) output() Output {
	return Output{Stdout: p.stdout.String(), Stderr: p.stderr.String()}
}

// --------------------------------------------------------------------------
// Attached process
// --------------------------------------------------------------------------

type attachedProcess struct {
	config  common.ServerConfig
	proc    *process.Process
	running bool
}

// NewAttachedProcess creates a process for an already running server. It is
// never signalled; stopping only marks it as stopped.
func NewAttachedProcess(config common.ServerConfig) IProcess {
	return &attachedProcess{config: config}
}

func (p *attachedProcess) Start() error {
	proc, err := process.NewProcess(int32(p.config.AttachPID))
	if err != nil {
		return fmt.Errorf("no server with pid %d: %w", p.config.AttachPID, err)
	}
	if ok, err := proc.IsRunning(); err != nil || !ok {
		return fmt.Errorf("server with pid %d is not running", p.config.AttachPID)
	}
	p.proc = proc
	p.running = true
	return nil
}

func (p *attachedProcess) Stop() (Output, error) {
	if p.Poll() {
		return Output{}, common.TestErrorf("Server was already stopped.\n%s", Output{})
	}
	p.running = false
	return Output{}, nil
}

func (p *attachedProcess) Poll() bool {
	if !p.running || p.proc == nil {
		return true
	}
	ok, err := p.proc.IsRunning()
	return err != nil || !ok
}

func (p *attachedProcess) Pid() int {
	return p.config.AttachPID
}

func (p *attachedProcess) Threads() ([]int32, error) {
	return threadsOf(p.proc)
}

func (p *attachedProcess) DumpPath() string {
	return dumpPathOf(p.proc, p.config.AttachPID, p.config.DumpFile)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// threadsOf lists /proc/<pid>/task without the main thread
func threadsOf(proc *process.Process) ([]int32, error) {
	if proc == nil {
		return nil, fmt.Errorf("server is not running")
	}
	tasks, err := proc.Threads()
	if err != nil {
		return nil, fmt.Errorf("failed to list threads of pid %d: %w", proc.Pid, err)
	}

	threads := make([]int32, 0, len(tasks))
	for tid := range tasks {
		if tid != proc.Pid {
			threads = append(threads, tid)
		}
	}
	slices.Sort(threads)
	return threads, nil
}

// dumpPathOf resolves the dump file relative to the working directory of the
// server
func dumpPathOf(proc *process.Process, pid int, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	if proc != nil {
		if cwd, err := proc.Cwd(); err == nil && cwd != "" {
			return filepath.Join(cwd, file)
		}
	}
	return filepath.Join("/proc", strconv.Itoa(pid), "cwd", file)
}
