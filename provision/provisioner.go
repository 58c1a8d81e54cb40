package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alitto/pond"

	"github.com/Octogonapus/KVBench/descriptor"
	"github.com/Octogonapus/KVBench/report"
	"github.com/Octogonapus/KVBench/target"
)

// ProvisioningError is fatal to the run: an address could not be acquired or
// a setup command exited non-zero. ExitCode is -1 when no command ran.
type ProvisioningError struct {
	Role     string
	ExitCode int
	Err      error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provisioning role %q failed: %v", e.Role, e.Err)
	}
	return fmt.Sprintf("provisioning role %q failed: setup exited %d", e.Role, e.ExitCode)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Provisioner assigns addresses to declared roles and runs their setup
// scripts. Both steps fan out across roles with one worker per role; dispatch
// follows the declaration order of the instances block.
type Provisioner struct {
	desc      *descriptor.Descriptor
	acq       Acquirer
	overrides map[string]string

	mu      sync.Mutex
	targets map[string]target.Target
}

func New(desc *descriptor.Descriptor, acq Acquirer, hostOverrides map[string]string) *Provisioner {
	return &Provisioner{
		desc:      desc,
		acq:       acq,
		overrides: hostOverrides,
		targets:   map[string]target.Target{},
	}
}

// AssignAddresses acquires or addresses a host for every declared role. On
// the first failure the remaining acquisitions are cancelled; any hosts
// already acquired stay recorded so ReleaseAll can return them.
func (p *Provisioner) AssignAddresses(ctx context.Context) error {
	if ma, ok := p.acq.(ManagedAcquirer); ok {
		if err := ma.SetUp(ctx); err != nil {
			return &ProvisioningError{Role: "", ExitCode: -1, Err: fmt.Errorf("acquirer setup: %w", err)}
		}
	}

	nroles := max(len(p.desc.Instances), 1)
	pool := pond.New(nroles, 0, pond.MinWorkers(nroles))
	defer pool.StopAndWait()
	group, gctx := pool.GroupContext(ctx)

	for _, inst := range p.desc.Instances {
		inst := inst
		addr := inst.Addr
		if override, ok := p.overrides[inst.Role]; ok {
			addr = override
		}
		group.Submit(func() error {
			t, err := p.acq.Acquire(gctx, inst.Role, addr)
			if err != nil {
				var perr *ProvisioningError
				if errors.As(err, &perr) {
					return err
				}
				return &ProvisioningError{Role: inst.Role, ExitCode: -1, Err: err}
			}
			p.mu.Lock()
			p.targets[inst.Role] = t
			p.mu.Unlock()
			slog.Info("assigned address", slog.String("role", inst.Role), slog.String("addr", t.Addr()))
			return nil
		})
	}
	return group.Wait()
}

// Target returns the target assigned to the role, if any.
func (p *Provisioner) Target(role string) (target.Target, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.targets[role]
	return t, ok
}

// Addresses returns the assigned role → address mapping.
func (p *Provisioner) Addresses() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	addrs := map[string]string{}
	for role, t := range p.targets {
		addrs[role] = t.Addr()
	}
	return addrs
}

// RunSetup runs each role's resolved setup commands sequentially on its
// target, concurrently across roles, stopping a role at its first non-zero
// exit. The first failing role cancels the others. Script results are
// returned even when setup failed.
func (p *Provisioner) RunSetup(ctx context.Context, scripts map[string][]string, onReady func(role string)) ([]report.ScriptResult, error) {
	var mu sync.Mutex
	results := []report.ScriptResult{}

	pool := pond.New(max(len(scripts), 1), 0)
	defer pool.StopAndWait()
	group, gctx := pool.GroupContext(ctx)

	for _, inst := range p.desc.Instances {
		role := inst.Role
		cmds, ok := scripts[role]
		if !ok {
			continue
		}
		t, ok := p.Target(role)
		if !ok {
			return results, &ProvisioningError{Role: role, ExitCode: -1, Err: fmt.Errorf("no target assigned")}
		}
		group.Submit(func() error {
			for _, cmd := range cmds {
				slog.Debug("running setup command", slog.String("role", role), slog.String("command", cmd))
				res, err := t.RunCommand(gctx, cmd)
				if err != nil {
					return &ProvisioningError{Role: role, ExitCode: -1, Err: err}
				}
				mu.Lock()
				results = append(results, report.ScriptResult{
					Role:     role,
					Kind:     report.KindSetup,
					Command:  cmd,
					ExitCode: res.ExitCode,
					Stdout:   res.Stdout,
					Stderr:   res.Stderr,
					Duration: res.Duration,
				})
				mu.Unlock()
				if res.ExitCode != 0 {
					return &ProvisioningError{Role: role, ExitCode: res.ExitCode}
				}
			}
			slog.Info("setup finished", slog.String("role", role))
			if onReady != nil {
				onReady(role)
			}
			return nil
		})
	}
	err := group.Wait()
	return results, err
}

// ReleaseAll returns every acquired host and tears down acquirer-held
// infrastructure. Best-effort: failures are logged and teardown continues.
func (p *Provisioner) ReleaseAll(ctx context.Context) {
	p.mu.Lock()
	targets := map[string]target.Target{}
	for role, t := range p.targets {
		targets[role] = t
	}
	p.targets = map[string]target.Target{}
	p.mu.Unlock()

	for _, inst := range p.desc.Instances {
		t, ok := targets[inst.Role]
		if !ok {
			continue
		}
		if err := p.acq.Release(ctx, inst.Role, t); err != nil {
			slog.Error("failed to release host", slog.String("role", inst.Role), slog.String("error", err.Error()))
		} else {
			slog.Debug("released host", slog.String("role", inst.Role))
		}
	}

	if ma, ok := p.acq.(ManagedAcquirer); ok {
		if err := ma.TearDown(ctx); err != nil {
			slog.Error("acquirer teardown failed", slog.String("error", err.Error()))
		}
	}
}
