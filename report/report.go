package report

import "time"

// Phase names the stages of a run. A run moves Init → Provisioning →
// AwaitingReadiness → Experiment → Collecting → Done; Failed is reachable
// from any non-terminal phase.
type Phase string

const (
	PhaseInit              Phase = "Init"
	PhaseProvisioning      Phase = "Provisioning"
	PhaseAwaitingReadiness Phase = "AwaitingReadiness"
	PhaseExperiment        Phase = "Experiment"
	PhaseCollecting        Phase = "Collecting"
	PhaseDone              Phase = "Done"
	PhaseFailed            Phase = "Failed"
)

// Summary is the run-level outcome. PartialSuccess means every script exited
// zero but a declared artifact was missing.
type Summary string

const (
	Success        Summary = "Success"
	PartialSuccess Summary = "PartialSuccess"
	Failed         Summary = "Failed"
)

// ScriptKind distinguishes the script that produced a result.
type ScriptKind string

const (
	KindProvision  ScriptKind = "provision"
	KindSetup      ScriptKind = "setup"
	KindExperiment ScriptKind = "experiment"
)

// ScriptResult captures one executed command.
type ScriptResult struct {
	Role     string
	Kind     ScriptKind
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ArtifactResult records the verification of one declared artifact.
type ArtifactResult struct {
	Path      string
	Role      string
	LocalPath string
	Found     bool
	SizeBytes int64
}

// RunResult is the bundle produced by exactly one run. It is owned by the
// collector and never shared across runs. On failure, Phase records the phase
// that was reached and FailedRole the role that triggered it.
type RunResult struct {
	RunID      string
	Phase      Phase
	Summary    Summary
	FailedRole string
	Scripts    []ScriptResult
	Artifacts  []ArtifactResult
	Error      string // non-empty iff the run failed
}
