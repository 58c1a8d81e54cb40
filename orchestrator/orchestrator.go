package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Octogonapus/KVBench/descriptor"
	"github.com/Octogonapus/KVBench/provision"
	"github.com/Octogonapus/KVBench/report"
	"github.com/Octogonapus/KVBench/target"
	"github.com/Octogonapus/KVBench/template"
)

const (
	DefaultReadyTimeout      = 2 * time.Minute
	DefaultExperimentTimeout = 30 * time.Minute
)

// ReadinessTimeoutError is fatal: a role never became ready within its bound.
type ReadinessTimeoutError struct {
	Role    string
	Timeout time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("role %q did not become ready within %s", e.Role, e.Timeout)
}

// ExperimentError records a failed experiment script. It does not abort
// artifact collection. ExitCode is -1 when the script could not run at all.
type ExperimentError struct {
	Role     string
	ExitCode int
	Err      error
}

func (e *ExperimentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("experiment on role %q failed: %v", e.Role, e.Err)
	}
	return fmt.Sprintf("experiment on role %q exited %d", e.Role, e.ExitCode)
}

func (e *ExperimentError) Unwrap() error {
	return e.Err
}

// Input configures one run. Zero timeouts fall back to the descriptor's
// timeouts block, then to the defaults.
type Input struct {
	Descriptor        *descriptor.Descriptor
	Acquirer          provision.Acquirer
	HostOverrides     map[string]string
	HarnessVersion    string
	RunID             string
	ResultDir         string
	ReadyTimeout      time.Duration
	ExperimentTimeout time.Duration

	// Called as each role becomes ready. Used for progress reporting.
	OnRoleReady func(role string)
}

// Orchestrator sequences one run: provision all instances, run per-role setup,
// wait for readiness, run the experiment scripts, collect artifacts. A run
// executes at most once; retries mean a fresh Orchestrator with a fresh
// Descriptor.
type Orchestrator struct {
	input     *Input
	desc      *descriptor.Descriptor
	prov      *provision.Provisioner
	collector *report.Collector

	mu  sync.Mutex
	ran bool
}

func New(input *Input) *Orchestrator {
	return &Orchestrator{
		input:     input,
		desc:      input.Descriptor,
		prov:      provision.New(input.Descriptor, input.Acquirer, input.HostOverrides),
		collector: report.NewCollector(input.RunID, input.ResultDir),
	}
}

// Run executes the whole sequence. The returned RunResult is always non-nil
// once the descriptor validates; the error, when non-nil, is the typed error
// of the phase that failed. Acquired hosts are released before Run returns,
// regardless of the failure point.
func (o *Orchestrator) Run(ctx context.Context) (*report.RunResult, error) {
	o.mu.Lock()
	if o.ran {
		o.mu.Unlock()
		return nil, fmt.Errorf("this run has already executed; create a new orchestrator to retry")
	}
	o.ran = true
	o.mu.Unlock()

	if err := descriptor.Validate(o.desc, o.input.HarnessVersion); err != nil {
		return nil, err
	}

	// Teardown must run even when ctx is already cancelled.
	defer o.prov.ReleaseAll(context.Background())
	defer o.writeBundle()

	o.collector.SetPhase(report.PhaseProvisioning)

	if err := o.runProvisionBlock(ctx); err != nil {
		o.collector.Fail(report.PhaseProvisioning, failedRole(err), err)
		return o.collector.Result(), err
	}

	if err := o.prov.AssignAddresses(ctx); err != nil {
		o.collector.Fail(report.PhaseProvisioning, failedRole(err), err)
		return o.collector.Result(), err
	}

	resctx := o.desc.NewResolutionContext()
	for role, addr := range o.prov.Addresses() {
		resctx.SetAddress(role, addr)
	}

	// Resolve every command up front so an unbound placeholder surfaces
	// before any remote process is launched.
	setupScripts, err := o.resolveScripts(o.desc.Setup, resctx)
	if err != nil {
		o.collector.Fail(report.PhaseProvisioning, "", err)
		return o.collector.Result(), err
	}
	experimentScripts, err := o.resolveScripts(o.desc.Experiment, resctx)
	if err != nil {
		o.collector.Fail(report.PhaseProvisioning, "", err)
		return o.collector.Result(), err
	}

	// Roles with no setup script are ready as soon as they have an address.
	for _, inst := range o.desc.Instances {
		if _, ok := setupScripts[inst.Role]; !ok {
			o.roleReady(inst.Role)
		}
	}

	setupResults, err := o.prov.RunSetup(ctx, setupScripts, o.roleReady)
	for _, sr := range setupResults {
		o.collector.AddScript(sr)
	}
	if err != nil {
		o.collector.Fail(report.PhaseProvisioning, failedRole(err), err)
		return o.collector.Result(), err
	}

	o.collector.SetPhase(report.PhaseAwaitingReadiness)
	if err := o.awaitReadiness(ctx); err != nil {
		o.collector.Fail(report.PhaseAwaitingReadiness, failedRole(err), err)
		return o.collector.Result(), err
	}

	o.collector.SetPhase(report.PhaseExperiment)
	expErr := o.runExperiment(ctx, experimentScripts)

	o.collector.SetPhase(report.PhaseCollecting)
	o.collectArtifacts()

	if expErr != nil {
		o.collector.Fail(report.PhaseExperiment, failedRole(expErr), expErr)
		return o.collector.Result(), expErr
	}

	result := o.collector.Finish()
	if err := o.collector.MissingArtifacts(); err != nil {
		return result, err
	}
	return result, nil
}

// Result returns the bundle as collected so far.
func (o *Orchestrator) Result() *report.RunResult {
	return o.collector.Result()
}

func (o *Orchestrator) roleReady(role string) {
	slog.Info("role ready", slog.String("role", role))
	if o.input.OnRoleReady != nil {
		o.input.OnRoleReady(role)
	}
}

// runProvisionBlock executes the run-independent provision block on the
// invoking machine, before any instance-level work.
func (o *Orchestrator) runProvisionBlock(ctx context.Context) error {
	cmds := descriptor.Commands(o.desc.Provision)
	if len(cmds) == 0 {
		return nil
	}

	varsOnly := o.desc.NewResolutionContext()
	local := &target.LocalTarget{}
	for _, cmd := range cmds {
		resolved, err := template.Resolve(cmd, varsOnly)
		if err != nil {
			return err
		}
		slog.Debug("running provision command", slog.String("command", resolved))
		res, err := local.RunCommand(ctx, resolved)
		if err != nil {
			return &provision.ProvisioningError{Role: "provision", ExitCode: -1, Err: err}
		}
		o.collector.AddScript(report.ScriptResult{
			Role:     "provision",
			Kind:     report.KindProvision,
			Command:  resolved,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Duration: res.Duration,
		})
		if res.ExitCode != 0 {
			return &provision.ProvisioningError{Role: "provision", ExitCode: res.ExitCode}
		}
	}
	return nil
}

func (o *Orchestrator) resolveScripts(blocks map[string]string, resctx *template.Context) (map[string][]string, error) {
	scripts := map[string][]string{}
	for role, block := range blocks {
		cmds := descriptor.Commands(block)
		if len(cmds) == 0 {
			continue
		}
		resolved := make([]string, 0, len(cmds))
		for _, cmd := range cmds {
			r, err := template.Resolve(cmd, resctx)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, r)
		}
		scripts[role] = resolved
	}
	return scripts, nil
}

func (o *Orchestrator) readyTimeout(probe descriptor.Probe) time.Duration {
	if probe.Timeout.Duration != 0 {
		return probe.Timeout.Duration
	}
	if o.input.ReadyTimeout != 0 {
		return o.input.ReadyTimeout
	}
	if o.desc.Timeouts.Ready.Duration != 0 {
		return o.desc.Timeouts.Ready.Duration
	}
	return DefaultReadyTimeout
}

func (o *Orchestrator) experimentTimeout() time.Duration {
	if o.input.ExperimentTimeout != 0 {
		return o.input.ExperimentTimeout
	}
	if o.desc.Timeouts.Experiment.Duration != 0 {
		return o.desc.Timeouts.Experiment.Duration
	}
	return DefaultExperimentTimeout
}
