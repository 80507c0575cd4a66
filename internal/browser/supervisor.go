package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/owlbrowser/owld/internal/rpc"
	"github.com/owlbrowser/owld/internal/transport"
	"github.com/rs/zerolog"
)

// StartTimeout is how long Start waits for the child to reach Ready before
// giving up.
const StartTimeout = 30 * time.Second

// GracefulStopTimeout is how long Stop waits for natural exit after the
// shutdown envelope before forcing a kill.
const GracefulStopTimeout = 3 * time.Second

// DefaultPoolSize mirrors transport.DefaultPoolSize for the upgrade dial.
const DefaultPoolSize = transport.DefaultPoolSize

// poolDialRetry is how long the supervisor waits between attempts to dial
// the advertised socket, since the child may not have its listener bound
// the instant it prints the advertisement line.
const poolDialRetry = 25 * time.Millisecond

// poolDialTimeout bounds the whole upgrade-dial attempt.
const poolDialTimeout = 5 * time.Second

// Supervisor owns the single child browser process: spawning it, wiring its
// three byte streams, starting the scanner and pipe transport, and handling
// the transport-upgrade and shutdown paths.
type Supervisor struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	child *ChildProcess

	registry *rpc.Registry
	upgrade  *transport.UpgradeSignal
	pipe     *transport.Pipe
	pool     *transport.Pool
	mode     transport.Mode

	binaryPath string

	readyCh   chan struct{}
	licenseCh chan struct{}
	exitCh    chan error

	cancel context.CancelFunc

	log zerolog.Logger
}

// NewSupervisor constructs a supervisor in the Stopped state.
func NewSupervisor(log zerolog.Logger) *Supervisor {
	return &Supervisor{
		registry: rpc.NewRegistry(),
		upgrade:  transport.NewUpgradeSignal(),
		mode:     transport.ModePipe,
		child:    &ChildProcess{State: Stopped},
		log:      log.With().Str("component", "supervisor").Logger(),
	}
}

// Registry exposes the request registry so the dispatcher can register
// PendingRequests against it.
func (s *Supervisor) Registry() *rpc.Registry { return s.registry }

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child.State
}

// Mode reports the active transport mode.
func (s *Supervisor) Mode() transport.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Pipe returns the active pipe transport, or nil before Start / after Stop.
func (s *Supervisor) Pipe() *transport.Pipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe
}

// Pool returns the active socket-pool transport, or nil if no upgrade has
// happened yet.
func (s *Supervisor) Pool() *transport.Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.child.State = st
	s.mu.Unlock()
}

// Start spawns the child at path, waits up to timeout (default
// StartTimeout if zero) for Ready, and returns an error if a license
// error or process exit happens first.
func (s *Supervisor) Start(ctx context.Context, path string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = StartTimeout
	}

	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("browser: already running")
	}
	instanceID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, path, "--instance-id", instanceID)
	cmd.Env = append(cmd.Environ(), "OWLD_INSTANCE_ID="+instanceID)

	cmdIn, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		s.mu.Unlock()
		return fmt.Errorf("browser: stdin pipe: %w", err)
	}
	respOut, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.mu.Unlock()
		return fmt.Errorf("browser: stdout pipe: %w", err)
	}
	diagErr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		s.mu.Unlock()
		return fmt.Errorf("browser: stderr pipe: %w", err)
	}

	s.binaryPath = path
	s.cancel = cancel
	s.readyCh = make(chan struct{})
	s.licenseCh = make(chan struct{})
	s.exitCh = make(chan error, 1)
	s.child = &ChildProcess{InstanceID: instanceID, State: Starting}
	s.mode = transport.ModePipe
	s.upgrade = transport.NewUpgradeSignal()
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("browser: start: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.child.PID = cmd.Process.Pid
	s.mu.Unlock()
	s.log.Info().Int("pid", cmd.Process.Pid).Str("instance_id", instanceID).Msg("browser started")

	pipe := transport.NewPipe(cmdIn, respOut, s.registry, s.upgrade, s.log)
	pipe.OnFatal = s.onTransportFatal
	pipe.OnUpgrade = s.onUpgrade
	s.mu.Lock()
	s.pipe = pipe
	s.mu.Unlock()
	go pipe.Run(runCtx)

	scanner := NewScanner(s.upgrade, s.log)
	scanner.OnReady = s.onReady
	scanner.OnLicenseError = s.onLicenseError
	scanner.OnUpgrade = s.onUpgrade
	go scanner.Run(diagErr)

	go func() {
		err := cmd.Wait()
		select {
		case s.exitCh <- err:
		default:
		}
	}()

	select {
	case <-s.readyCh:
		s.setState(Ready)
		return nil
	case <-s.licenseCh:
		s.setState(LicenseError)
		return fmt.Errorf("browser: license error")
	case err := <-s.exitCh:
		s.setState(Error)
		s.registry.FailAll(rpc.ErrBrowserStopped)
		return fmt.Errorf("browser: exited before ready: %w", err)
	case <-time.After(timeout):
		s.setState(Error)
		return fmt.Errorf("browser: timed out waiting for ready after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) onReady() {
	select {
	case <-s.readyCh:
	default:
		close(s.readyCh)
	}
}

func (s *Supervisor) onLicenseError(detail string) {
	s.log.Warn().Str("detail", detail).Msg("license error observed")
	select {
	case <-s.licenseCh:
	default:
		close(s.licenseCh)
	}
}

func (s *Supervisor) onTransportFatal(err error) {
	s.log.Warn().Err(err).Msg("transport fatal, marking error")
	s.setState(Error)
}

// onUpgrade is invoked by whichever of {scanner, pipe} first observes the
// MULTI_IPC_READY marker. It dials the advertised socket in the
// background; the pipe transport stays active as a fallback until the dial
// succeeds, matching the "graceful fallback path" requirement.
func (s *Supervisor) onUpgrade(sockPath string) {
	s.log.Info().Str("socket", sockPath).Msg("transport upgrade advertised")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), poolDialTimeout)
		defer cancel()

		var pool *transport.Pool
		var err error
		for {
			pool, err = transport.DialPool(ctx, sockPath, DefaultPoolSize, transport.DefaultAcquireTimeout, s.log)
			if err == nil {
				break
			}
			select {
			case <-ctx.Done():
				s.log.Warn().Err(err).Msg("socket pool upgrade failed, remaining on pipe transport")
				return
			case <-time.After(poolDialRetry):
			}
		}

		s.mu.Lock()
		s.pool = pool
		s.mode = transport.ModeSocketPool
		s.mu.Unlock()
		s.log.Info().Int("sessions", DefaultPoolSize).Msg("upgraded to socket pool transport")
	}()
}

// Stop sends a best-effort shutdown envelope, waits up to
// GracefulStopTimeout for natural exit, force-kills if the child is still
// running, and only then closes the pipe and pool transports and fails
// every outstanding request. The streams stay open during the wait.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	pipe := s.pipe
	pool := s.pool
	cancel := s.cancel
	exitCh := s.exitCh
	s.mu.Unlock()

	if cmd == nil {
		return
	}

	if pipe != nil {
		shutdown, _ := json.Marshal(rpc.Envelope{"id": 0, "method": "shutdown"})
		pipe.Enqueue(shutdown)
	}

	waitExit := func(d time.Duration) bool {
		select {
		case <-exitCh:
			return true
		case <-time.After(d):
			return false
		}
	}

	if !waitExit(GracefulStopTimeout) {
		s.log.Warn().Int("pid", cmd.Process.Pid).Msg("graceful stop timed out, killing")
		if err := cmd.Process.Kill(); err != nil {
			s.log.Warn().Err(err).Msg("error killing browser process")
		}
		waitExit(GracefulStopTimeout)
	}

	if cancel != nil {
		cancel()
	}
	if pipe != nil {
		pipe.Close()
	}
	if pool != nil {
		pool.Close()
	}

	n := s.registry.FailAll(rpc.ErrBrowserStopped)
	s.log.Info().Int("failed_pending", n).Msg("browser stopped")

	s.mu.Lock()
	s.cmd = nil
	s.pipe = nil
	s.pool = nil
	s.mode = transport.ModePipe
	s.child.State = Stopped
	s.mu.Unlock()
}

// Restart stops the current child (if any) and starts a fresh one at the
// same binary path.
func (s *Supervisor) Restart(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	path := s.binaryPath
	s.mu.Unlock()
	if path == "" {
		return fmt.Errorf("browser: no prior binary path to restart with")
	}
	s.Stop()
	return s.Start(ctx, path, timeout)
}

