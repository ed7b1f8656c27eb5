package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/buildrig/buildrig/internal/poll"
)

// LifecycleError reports a machine that was not in, or did not reach, the
// power state the workflow needed.
type LifecycleError struct {
	Instance  Instance
	LastState string
	Reason    string
}

func (e *LifecycleError) Error() string {
	last := e.LastState
	if last == "" {
		last = "unknown"
	}
	return fmt.Sprintf("instance %s: %s (last state: %s)", e.Instance, e.Reason, last)
}

// ManagerConfig tunes the lifecycle manager's convergence polling.
type ManagerConfig struct {
	PollInterval     time.Duration
	SSHPort          int
	ReachableTimeout time.Duration
}

// Manager drives power-state transitions on a single build machine and
// confirms them by polling.
type Manager struct {
	api    API
	cfg    ManagerConfig
	logger *slog.Logger
	dial   func(network, addr string, timeout time.Duration) (net.Conn, error)
}

func NewManager(api API, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SSHPort == 0 {
		cfg.SSHPort = 22
	}
	if cfg.ReachableTimeout == 0 {
		cfg.ReachableTimeout = 45 * time.Second
	}
	return &Manager{
		api:    api,
		cfg:    cfg,
		logger: logger,
		dial:   net.DialTimeout,
	}
}

// State returns a point-in-time observation of the instance. It never
// blocks beyond the single describe call.
func (m *Manager) State(ctx context.Context, inst Instance) (Status, error) {
	return m.api.Describe(ctx, inst)
}

// EnsureRunning makes sure the instance is powered on and reports whether
// this call is the one that started it. That flag decides whether teardown
// restores the machine to TERMINATED later; it stays true even when the
// start did not converge, so a half-started machine is still stopped again.
//
// A running machine without a resolvable external address, or one whose SSH
// port never accepts connections within the reachability budget, is a
// warning rather than a failure: the remote executor fails fast on its own
// if the machine really is unreachable.
func (m *Manager) EnsureRunning(ctx context.Context, inst Instance, timeout time.Duration) (startedByUs bool, addr string, err error) {
	status, err := m.api.Describe(ctx, inst)
	if err != nil {
		m.logger.Warn("could not determine instance state, attempting start anyway",
			"instance", inst.String(),
			"error", err,
		)
		status = Status{State: StateUnknown}
	}

	switch status.State {
	case StateRunning:
		m.logger.Info("instance already running",
			"instance", inst.String(),
			"external_ip", status.ExternalIP,
		)
		return false, status.ExternalIP, nil
	case StateTerminated, StateUnknown:
		// needs a start request
	default:
		return false, "", &LifecycleError{
			Instance:  inst,
			LastState: string(status.State),
			Reason:    "unexpected power state, refusing to guess",
		}
	}

	m.logger.Info("starting instance", "instance", inst.String())
	if err := m.api.Start(ctx, inst); err != nil {
		return false, "", err
	}

	var observed Status
	err = poll.Until(ctx, m.cfg.PollInterval, timeout, func(ctx context.Context) (bool, string, error) {
		st, derr := m.api.Describe(ctx, inst)
		if derr != nil {
			// Transient while the control plane catches up; keep polling.
			return false, "unqueryable", nil
		}
		observed = st
		return st.State == StateRunning, string(st.State), nil
	})
	if err != nil {
		var te *poll.TimeoutError
		if errors.As(err, &te) {
			return true, "", &LifecycleError{
				Instance:  inst,
				LastState: te.LastState,
				Reason:    fmt.Sprintf("did not reach RUNNING within %s", timeout),
			}
		}
		return true, "", err
	}

	m.logger.Info("instance running",
		"instance", inst.String(),
		"external_ip", observed.ExternalIP,
	)

	if observed.ExternalIP == "" {
		m.logger.Warn("instance has no external address; remote commands will fail if it stays unreachable",
			"instance", inst.String(),
		)
		return true, "", nil
	}

	if err := m.waitReachable(ctx, observed.ExternalIP); err != nil {
		m.logger.Warn("instance did not accept connections in time, proceeding anyway",
			"instance", inst.String(),
			"external_ip", observed.ExternalIP,
			"error", err,
		)
	}
	return true, observed.ExternalIP, nil
}

// Stop issues a stop request and polls until the instance reports
// TERMINATED. Non-convergence is returned as a LifecycleError; teardown
// callers treat it as a warning.
func (m *Manager) Stop(ctx context.Context, inst Instance, timeout time.Duration) error {
	m.logger.Info("stopping instance", "instance", inst.String())
	if err := m.api.Stop(ctx, inst); err != nil {
		return err
	}

	err := poll.Until(ctx, m.cfg.PollInterval, timeout, func(ctx context.Context) (bool, string, error) {
		st, derr := m.api.Describe(ctx, inst)
		if derr != nil {
			return false, "unqueryable", nil
		}
		return st.State == StateTerminated, string(st.State), nil
	})
	if err != nil {
		var te *poll.TimeoutError
		if errors.As(err, &te) {
			return &LifecycleError{
				Instance:  inst,
				LastState: te.LastState,
				Reason:    fmt.Sprintf("did not reach TERMINATED within %s", timeout),
			}
		}
		return err
	}

	m.logger.Info("instance stopped", "instance", inst.String())
	return nil
}

// waitReachable polls a plain TCP dial of the SSH port until it succeeds or
// the reachability budget runs out.
func (m *Manager) waitReachable(ctx context.Context, host string) error {
	hostport := net.JoinHostPort(host, strconv.Itoa(m.cfg.SSHPort))
	return poll.Until(ctx, m.cfg.PollInterval, m.cfg.ReachableTimeout, func(ctx context.Context) (bool, string, error) {
		conn, err := m.dial("tcp", hostport, m.cfg.PollInterval)
		if err != nil {
			return false, "unreachable", nil
		}
		_ = conn.Close()
		return true, "reachable", nil
	})
}
