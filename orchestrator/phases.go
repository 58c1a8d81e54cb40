package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Octogonapus/KVBench/descriptor"
	"github.com/Octogonapus/KVBench/provision"
	"github.com/Octogonapus/KVBench/report"
)

// awaitReadiness runs the configured readiness probes, one worker per probed
// role. Roles without a probe were already ready when their setup exited zero.
func (o *Orchestrator) awaitReadiness(ctx context.Context) error {
	if len(o.desc.Ready) == 0 {
		return nil
	}

	addrs := o.prov.Addresses()
	errs := make([]error, len(o.desc.Instances))
	wg := &sync.WaitGroup{}
	for i, inst := range o.desc.Instances {
		probe, ok := o.desc.Ready[inst.Role]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, role string) {
			defer wg.Done()
			errs[i] = o.probeRole(ctx, role, addrs[role], probe)
		}(i, inst.Role)
	}
	wg.Wait()

	// Report the first failure in declaration order for reproducible logs.
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) probeRole(ctx context.Context, role, addr string, probe descriptor.Probe) error {
	timeout := o.readyTimeout(probe)

	if probe.Delay.Duration != 0 {
		slog.Debug("waiting fixed readiness delay", slog.String("role", role), slog.Duration("delay", probe.Delay.Duration))
		select {
		case <-time.After(probe.Delay.Duration):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if probe.Port == 0 {
		return nil
	}

	hostPort := net.JoinHostPort(addr, strconv.Itoa(probe.Port))
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := net.DialTimeout("tcp", hostPort, time.Second)
		if err == nil {
			conn.Close()
			slog.Debug("readiness probe succeeded", slog.String("role", role), slog.String("addr", hostPort))
			return nil
		}
		time.Sleep(time.Second)
	}
	return &ReadinessTimeoutError{Role: role, Timeout: timeout}
}

type roleExperiment struct {
	role    string
	results []report.ScriptResult
	err     error
}

// runExperiment runs the scripts of distinct roles concurrently; the commands
// of one role run sequentially, stopping at the first non-zero exit. Results
// reach the collector only after every worker has finished.
func (o *Orchestrator) runExperiment(ctx context.Context, scripts map[string][]string) error {
	roles := o.desc.ExperimentRoles()
	ctx, cancel := context.WithTimeout(ctx, o.experimentTimeout())
	defer cancel()

	resultCh := make(chan *roleExperiment, len(roles))
	wg := &sync.WaitGroup{}
	for _, role := range roles {
		cmds, ok := scripts[role]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(role string, cmds []string) {
			defer wg.Done()
			resultCh <- o.runRoleExperiment(ctx, role, cmds)
		}(role, cmds)
	}
	wg.Wait()
	close(resultCh)

	byRole := map[string]*roleExperiment{}
	for re := range resultCh {
		byRole[re.role] = re
	}

	var firstErr error
	for _, role := range roles {
		re, ok := byRole[role]
		if !ok {
			continue
		}
		for _, sr := range re.results {
			o.collector.AddScript(sr)
		}
		if re.err != nil && firstErr == nil {
			firstErr = re.err
		}
	}
	return firstErr
}

func (o *Orchestrator) runRoleExperiment(ctx context.Context, role string, cmds []string) *roleExperiment {
	re := &roleExperiment{role: role}
	t, ok := o.prov.Target(role)
	if !ok {
		re.err = &ExperimentError{Role: role, ExitCode: -1, Err: errors.New("no target assigned")}
		return re
	}

	for _, cmd := range cmds {
		slog.Info("running experiment command", slog.String("role", role), slog.String("command", cmd))
		res, err := t.RunCommand(ctx, cmd)
		if err != nil {
			re.err = &ExperimentError{Role: role, ExitCode: -1, Err: err}
			return re
		}
		re.results = append(re.results, report.ScriptResult{
			Role:     role,
			Kind:     report.KindExperiment,
			Command:  cmd,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Duration: res.Duration,
		})
		if res.ExitCode != 0 {
			re.err = &ExperimentError{Role: role, ExitCode: res.ExitCode}
			return re
		}
		slog.Debug("experiment command finished", slog.String("role", role), slog.Duration("duration", res.Duration))
	}
	return re
}

// collectArtifacts fetches each declared artifact from the role that produced
// it into the result dir. It runs even after an experiment failure: whatever
// was produced is still worth keeping.
func (o *Orchestrator) collectArtifacts() {
	if len(o.desc.Artifacts) == 0 {
		return
	}
	if err := os.MkdirAll(o.collector.ResultDir(), os.ModePerm); err != nil {
		slog.Error("failed to create result dir", slog.String("dir", o.collector.ResultDir()), slog.String("error", err.Error()))
		return
	}

	defaultRole := ""
	if roles := o.desc.ExperimentRoles(); len(roles) > 0 {
		defaultRole = roles[0]
	}

	for _, art := range o.desc.Artifacts {
		role := art.Role
		if role == "" {
			role = defaultRole
		}
		t, ok := o.prov.Target(role)
		if !ok {
			o.collector.AddArtifact(report.ArtifactResult{Path: art.Path, Role: role})
			continue
		}
		ar := o.collector.CollectArtifact(art.Path, role, func(remotePath string, local io.Writer) error {
			return t.CopyFileFrom(remotePath, local)
		})
		if ar.Found {
			slog.Info("collected artifact", slog.String("path", art.Path), slog.String("role", role), slog.Int64("sizeBytes", ar.SizeBytes))
		} else {
			slog.Error("declared artifact missing", slog.String("path", art.Path), slog.String("role", role))
		}
	}
}

func (o *Orchestrator) writeBundle() {
	if err := o.collector.WriteBundle(); err != nil {
		slog.Error("failed to write result bundle", slog.String("error", err.Error()))
	}
}

// failedRole extracts the role carried by a typed run error, if any.
func failedRole(err error) string {
	var perr *provision.ProvisioningError
	if errors.As(err, &perr) {
		return perr.Role
	}
	var rerr *ReadinessTimeoutError
	if errors.As(err, &rerr) {
		return rerr.Role
	}
	var eerr *ExperimentError
	if errors.As(err, &eerr) {
		return eerr.Role
	}
	return ""
}
