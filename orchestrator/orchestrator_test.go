package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Octogonapus/KVBench/descriptor"
	"github.com/Octogonapus/KVBench/provision"
	"github.com/Octogonapus/KVBench/report"
	"github.com/Octogonapus/KVBench/target"
)

type fakeTarget struct {
	addr   string
	exits  map[string]int    // command substring -> exit code
	files  map[string]string // remote path -> contents
	blocks map[string]bool   // command substring -> block until cancellation

	mu       sync.Mutex
	commands []string
}

func (t *fakeTarget) Addr() string { return t.addr }

func (t *fakeTarget) RunCommand(ctx context.Context, cmd string) (*target.ExecResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	t.mu.Lock()
	t.commands = append(t.commands, cmd)
	t.mu.Unlock()
	for substr := range t.blocks {
		if strings.Contains(cmd, substr) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	for substr, code := range t.exits {
		if strings.Contains(cmd, substr) {
			return &target.ExecResult{ExitCode: code, Stderr: "boom", Duration: time.Millisecond}, nil
		}
	}
	return &target.ExecResult{Stdout: "ok\n", Duration: time.Millisecond}, nil
}

func (t *fakeTarget) CopyFileTo(local io.Reader, remotePath string) error {
	data, err := io.ReadAll(local)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.files == nil {
		t.files = map[string]string{}
	}
	t.files[remotePath] = string(data)
	return nil
}

func (t *fakeTarget) CopyFileFrom(remotePath string, local io.Writer) error {
	t.mu.Lock()
	contents, ok := t.files[remotePath]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such file: %s", remotePath)
	}
	_, err := io.Copy(local, strings.NewReader(contents))
	return err
}

func (t *fakeTarget) ranCommands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.commands...)
}

type fakeAcquirer struct {
	targets map[string]*fakeTarget
	fail    map[string]error

	mu       sync.Mutex
	acquired []string
	released []string
}

func (a *fakeAcquirer) Acquire(ctx context.Context, role, addr string) (target.Target, error) {
	if err, ok := a.fail[role]; ok {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acquired = append(a.acquired, role)
	t, ok := a.targets[role]
	if !ok {
		t = &fakeTarget{addr: addr}
		if addr == "" {
			t.addr = "10.1.0." + role
		}
		a.targets[role] = t
	}
	return t, nil
}

func (a *fakeAcquirer) Release(ctx context.Context, role string, t target.Target) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = append(a.released, role)
	return nil
}

func (a *fakeAcquirer) releasedRoles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := append([]string{}, a.released...)
	sort.Strings(out)
	return out
}

const clusterDescriptor = `
vars:
  keys: 500
  threads: 8
  requests: 10000
instances:
  client:
  db1: {addr: "10.0.0.11"}
  db2: {addr: "10.0.0.12"}
  db3: {addr: "10.0.0.13"}
setup:
  db1: |
    start-kv --port 8001 --keys ${keys}
  db2: |
    start-kv --port 8001 --keys ${keys}
  db3: |
    start-kv --port 8001 --keys ${keys}
experiment:
  client: |
    kvclient ${db1}:8001,${db2}:8001,${db3}:8001 --threads ${threads} --requests ${requests}
artifacts:
  - build-times.csv
  - proof-sizes.csv
`

func newTestInput(t *testing.T, desc string, acq provision.Acquirer) *Input {
	d, err := descriptor.Load([]byte(desc))
	require.NoError(t, err)
	return &Input{
		Descriptor:     d,
		Acquirer:       acq,
		HarnessVersion: "1.0.0",
		RunID:          "test-run",
		ResultDir:      t.TempDir(),
	}
}

func TestRunHappyPath(t *testing.T) {
	client := &fakeTarget{
		addr: "10.0.0.1",
		files: map[string]string{
			"build-times.csv": "op,ms\n",
			"proof-sizes.csv": "file,bytes\n",
		},
	}
	acq := &fakeAcquirer{targets: map[string]*fakeTarget{"client": client}}

	result, err := New(newTestInput(t, clusterDescriptor, acq)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, report.Success, result.Summary)
	assert.Equal(t, report.PhaseDone, result.Phase)

	cmds := client.ranCommands()
	require.Len(t, cmds, 1)
	assert.Contains(t, cmds[0], "--threads 8 --requests 10000")
	assert.Contains(t, cmds[0], "10.0.0.11:8001,10.0.0.12:8001,10.0.0.13:8001")

	kinds := map[report.ScriptKind]int{}
	for _, sr := range result.Scripts {
		kinds[sr.Kind]++
	}
	assert.Equal(t, 3, kinds[report.KindSetup])
	assert.Equal(t, 1, kinds[report.KindExperiment])

	require.Len(t, result.Artifacts, 2)
	for _, a := range result.Artifacts {
		assert.True(t, a.Found, "artifact %s should have been collected", a.Path)
	}

	assert.Equal(t, []string{"client", "db1", "db2", "db3"}, acq.releasedRoles())
}

func TestRunRejectsUndeclaredExperimentRole(t *testing.T) {
	acq := &fakeAcquirer{targets: map[string]*fakeTarget{}}
	_, err := New(newTestInput(t, `
instances:
  db1: {addr: "10.0.0.11"}
experiment:
  client: |
    run-workload
`, acq)).Run(context.Background())

	var verr *descriptor.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), `"client"`)
	assert.Empty(t, acq.acquired, "validation failure must never attempt provisioning")
}

func TestRunSetupFailureAbortsAndReleases(t *testing.T) {
	db2 := &fakeTarget{addr: "10.0.0.12", exits: map[string]int{"start-kv": 7}}
	acq := &fakeAcquirer{targets: map[string]*fakeTarget{"db2": db2}}

	o := New(newTestInput(t, clusterDescriptor, acq))
	result, err := o.Run(context.Background())

	var perr *provision.ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "db2", perr.Role)
	assert.Equal(t, 7, perr.ExitCode)

	assert.Equal(t, report.PhaseProvisioning, result.Phase)
	assert.Equal(t, report.Failed, result.Summary)
	assert.Equal(t, "db2", result.FailedRole)

	// Teardown is not partial: every acquired role is released.
	assert.Equal(t, []string{"client", "db1", "db2", "db3"}, acq.releasedRoles())

	// The experiment never ran anywhere.
	for role, ft := range acq.targets {
		for _, cmd := range ft.ranCommands() {
			assert.NotContains(t, cmd, "kvclient", "role %s ran an experiment command", role)
		}
	}
}

func TestRunAcquisitionFailureReleasesOthers(t *testing.T) {
	acq := &fakeAcquirer{
		targets: map[string]*fakeTarget{},
		fail:    map[string]error{"db3": errors.New("no capacity")},
	}

	result, err := New(newTestInput(t, clusterDescriptor, acq)).Run(context.Background())

	var perr *provision.ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "db3", perr.Role)
	assert.Equal(t, report.PhaseProvisioning, result.Phase)
	assert.Subset(t, acq.releasedRoles(), acq.acquired)
}

func TestRunMissingArtifactDowngradesToPartialSuccess(t *testing.T) {
	client := &fakeTarget{
		addr:  "10.0.0.1",
		files: map[string]string{"build-times.csv": "op,ms\n"},
	}
	acq := &fakeAcquirer{targets: map[string]*fakeTarget{"client": client}}

	result, err := New(newTestInput(t, clusterDescriptor, acq)).Run(context.Background())

	var merr *report.MissingArtifactError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, []string{"proof-sizes.csv"}, merr.Paths)
	assert.Equal(t, report.PartialSuccess, result.Summary)
}

func TestRunExperimentFailureStillCollectsArtifacts(t *testing.T) {
	client := &fakeTarget{
		addr:  "10.0.0.1",
		exits: map[string]int{"kvclient": 2},
		files: map[string]string{
			"build-times.csv": "op,ms\n",
			"proof-sizes.csv": "file,bytes\n",
		},
	}
	acq := &fakeAcquirer{targets: map[string]*fakeTarget{"client": client}}

	result, err := New(newTestInput(t, clusterDescriptor, acq)).Run(context.Background())

	var eerr *ExperimentError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, "client", eerr.Role)
	assert.Equal(t, 2, eerr.ExitCode)

	assert.Equal(t, report.Failed, result.Summary)
	assert.Equal(t, report.PhaseExperiment, result.Phase)
	require.Len(t, result.Artifacts, 2)
	for _, a := range result.Artifacts {
		assert.True(t, a.Found)
	}
	assert.Equal(t, []string{"client", "db1", "db2", "db3"}, acq.releasedRoles())
}

func TestRunExperimentTimeoutBoundsBlockingRoles(t *testing.T) {
	client := &fakeTarget{
		addr:   "10.0.0.1",
		blocks: map[string]bool{"kvclient": true},
	}
	acq := &fakeAcquirer{targets: map[string]*fakeTarget{"client": client}}
	input := newTestInput(t, clusterDescriptor, acq)
	input.ExperimentTimeout = 100 * time.Millisecond

	start := time.Now()
	result, err := New(input).Run(context.Background())
	assert.Less(t, time.Since(start), 5*time.Second)

	var eerr *ExperimentError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, "client", eerr.Role)
	assert.ErrorIs(t, eerr, context.DeadlineExceeded)

	assert.Equal(t, report.Failed, result.Summary)
	assert.Equal(t, report.PhaseExperiment, result.Phase)
	assert.Equal(t, "client", result.FailedRole)
	assert.Equal(t, []string{"client", "db1", "db2", "db3"}, acq.releasedRoles())
}

func TestRunReadinessTimeout(t *testing.T) {
	acq := &fakeAcquirer{targets: map[string]*fakeTarget{}}
	input := newTestInput(t, `
instances:
  client:
  db1: {addr: "127.0.0.1"}
setup:
  db1: |
    start-kv
experiment:
  client: |
    kvclient ${db1}:8001
ready:
  db1: {port: 59999, timeout: 100ms}
`, acq)

	result, err := New(input).Run(context.Background())

	var rerr *ReadinessTimeoutError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "db1", rerr.Role)
	assert.Equal(t, 100*time.Millisecond, rerr.Timeout)

	assert.Equal(t, report.PhaseAwaitingReadiness, result.Phase)
	assert.Equal(t, []string{"client", "db1"}, acq.releasedRoles())

	// The experiment never launched.
	for _, ft := range acq.targets {
		for _, cmd := range ft.ranCommands() {
			assert.NotContains(t, cmd, "kvclient")
		}
	}
}

func TestRunRunsOnlyOnce(t *testing.T) {
	client := &fakeTarget{addr: "10.0.0.1"}
	acq := &fakeAcquirer{targets: map[string]*fakeTarget{"client": client}}
	o := New(newTestInput(t, `
instances:
  client:
experiment:
  client: |
    kvclient --smoke
`, acq))

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already executed")
}

func TestRunProvisionBlockRunsBeforeSetup(t *testing.T) {
	client := &fakeTarget{addr: "10.0.0.1"}
	acq := &fakeAcquirer{targets: map[string]*fakeTarget{"client": client}}
	input := newTestInput(t, `
vars:
  reps: 3
instances:
  client:
provision: |
  true && echo prepared ${reps}
experiment:
  client: |
    kvclient --smoke
`, acq)

	result, err := New(input).Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, result.Scripts)
	first := result.Scripts[0]
	assert.Equal(t, report.KindProvision, first.Kind)
	assert.Contains(t, first.Command, "echo prepared 3")
	assert.Equal(t, 0, first.ExitCode)
	assert.Equal(t, "prepared 3\n", first.Stdout)
}

func TestRunRolesReadyWithoutSetupSignalImmediately(t *testing.T) {
	client := &fakeTarget{addr: "10.0.0.1"}
	acq := &fakeAcquirer{targets: map[string]*fakeTarget{"client": client}}
	input := newTestInput(t, `
instances:
  client:
  db1: {addr: "10.0.0.11"}
setup:
  db1: |
    start-kv
experiment:
  client: |
    kvclient ${db1}:8001
`, acq)

	var mu sync.Mutex
	ready := []string{}
	input.OnRoleReady = func(role string) {
		mu.Lock()
		ready = append(ready, role)
		mu.Unlock()
	}

	_, err := New(input).Run(context.Background())
	require.NoError(t, err)

	sort.Strings(ready)
	assert.Equal(t, []string{"client", "db1"}, ready)
}
