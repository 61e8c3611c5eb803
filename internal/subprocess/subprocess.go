// Package subprocess runs helper binaries for tests, such as the signaling
// server, and makes sure they die with the test process.
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-rod/rod/lib/utils"
	"github.com/ysmood/leakless"
	"go.uber.org/zap"
)

// ErrNotReady is returned when the readiness probe never succeeds.
var ErrNotReady = errors.New("process did not become ready")

// ReadyFunc probes whether a started process is serving. It is retried
// with backoff until it returns nil or the ready timeout passes.
type ReadyFunc func(ctx context.Context) error

// Options describe a process to start.
type Options struct {
	Name string
	Args []string
	Env  []string // appended to os.Environ()
	Dir  string

	// Guard runs the process under leakless so it is killed if the test
	// binary dies without cleaning up. Ignored where leakless is unsupported.
	Guard bool

	Ready        ReadyFunc
	ReadyTimeout time.Duration // default 10s

	Logger *zap.Logger
}

// Process is a running helper.
type Process struct {
	cmd    *exec.Cmd
	logger *zap.Logger
	name   string

	pidMu sync.Mutex
	pid   int // the guarded child when running under leakless

	done    chan struct{}
	waitErr error
	stopped sync.Once
}

// Start launches the process and waits for it to be ready.
func Start(ctx context.Context, opts Options) (*Process, error) {
	if opts.Name == "" {
		return nil, errors.New("process name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("process", opts.Name))

	var cmd *exec.Cmd
	var guard *leakless.Launcher
	if opts.Guard && leakless.Support() {
		guard = leakless.New()
		cmd = guard.Command(opts.Name, opts.Args...)
	} else {
		cmd = exec.Command(opts.Name, opts.Args...)
	}
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Dir = opts.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Name, err)
	}

	p := &Process{
		cmd:    cmd,
		logger: logger,
		name:   opts.Name,
		pid:    cmd.Process.Pid,
		done:   make(chan struct{}),
	}

	if guard != nil {
		go func() {
			pid := <-guard.Pid()
			if pid == 0 {
				logger.Warn("leakless guard failed", zap.String("err", guard.Err()))
				return
			}
			p.pidMu.Lock()
			p.pid = pid
			p.pidMu.Unlock()
		}()
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go p.logLines(&pipes, stdout, "stdout")
	go p.logLines(&pipes, stderr, "stderr")
	go func() {
		// Wait must not run before the pipes are drained.
		pipes.Wait()
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	logger.Info("process started", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", opts.Args))

	if opts.Ready != nil {
		timeout := opts.ReadyTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		if err := p.waitReady(ctx, opts.Ready, timeout); err != nil {
			_ = p.Stop()
			return nil, err
		}
	}
	return p, nil
}

func (p *Process) logLines(wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.logger.Debug(sc.Text(), zap.String("stream", stream))
	}
}

func (p *Process) waitReady(ctx context.Context, ready ReadyFunc, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last error
	err := utils.Retry(ctx, utils.BackoffSleeper(20*time.Millisecond, 500*time.Millisecond, nil), func() (bool, error) {
		select {
		case <-p.done:
			return true, fmt.Errorf("%s exited before ready: %v", p.name, p.waitErr)
		default:
		}
		last = ready(ctx)
		return last == nil, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %s: %v", ErrNotReady, p.name, last)
		}
		return err
	}
	return nil
}

// Pid returns the pid of the started program. Under leakless this becomes
// the guarded child's pid once the guard reports it.
func (p *Process) Pid() int {
	p.pidMu.Lock()
	defer p.pidMu.Unlock()
	return p.pid
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Stop sends SIGTERM, then SIGKILL after two seconds, and waits for exit.
func (p *Process) Stop() error {
	var err error
	p.stopped.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		pid := p.Pid()
		if pid != p.cmd.Process.Pid {
			_ = syscall.Kill(pid, syscall.SIGTERM)
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-p.done:
		case <-time.After(2 * time.Second):
			if pid != p.cmd.Process.Pid {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
			if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = kerr
			}
			<-p.done
		}
		p.logger.Info("process stopped")
	})
	return err
}

// TCPReady returns a probe that succeeds once addr accepts connections.
func TCPReady(addr string) ReadyFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// HTTPReady returns a probe that succeeds once url answers with any status
// below 500.
func HTTPReady(url string) ReadyFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
}
