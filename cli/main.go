package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Octogonapus/KVBench/descriptor"
	"github.com/Octogonapus/KVBench/orchestrator"
	"github.com/Octogonapus/KVBench/provision"
	"github.com/Octogonapus/KVBench/report"
	"github.com/Octogonapus/KVBench/template"
	"github.com/Octogonapus/KVBench/util"
)

// Version is matched against a descriptor's min_version constraint.
const Version = "1.0.0"

// Exit codes reported to the caller. exitFailure covers descriptor validation
// and unresolved placeholders, and is also the fallback for any error that is
// not one of the typed run errors.
const (
	exitOK = iota
	exitFailure
	exitProvisioning
	exitReadinessTimeout
	exitExperiment
	exitMissingArtifact
)

var (
	flagHosts             []string
	flagResultDir         string
	flagDebug             bool
	flagUploadBucket      string
	flagReadyTimeout      time.Duration
	flagExperimentTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "kvbench",
	Short:         "Runs declarative KV store benchmarking experiments on provisioned hosts",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run <experiment.yaml>",
	Short: "Provision, set up, and run an experiment, collecting its artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := descriptor.LoadFile(args[0])
		if err != nil {
			return exitWith(exitFailure, err)
		}
		if err := descriptor.Validate(d, Version); err != nil {
			return exitWith(exitFailure, err)
		}

		acq, err := buildAcquirer(d)
		if err != nil {
			return exitWith(exitFailure, err)
		}

		runID := time.Now().UTC().Format("20060102-150405") + "-" + util.Randstring(4)
		resultDir := flagResultDir
		if resultDir == "" {
			resultDir = path.Join("results", runID)
		}

		bar := progressbar.NewOptions(len(d.Instances),
			progressbar.OptionSetDescription("provisioning roles"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)

		o := orchestrator.New(&orchestrator.Input{
			Descriptor:        d,
			Acquirer:          acq,
			HostOverrides:     parseHosts(flagHosts),
			HarnessVersion:    Version,
			RunID:             runID,
			ResultDir:         resultDir,
			ReadyTimeout:      flagReadyTimeout,
			ExperimentTimeout: flagExperimentTimeout,
			OnRoleReady:       func(string) { bar.Add(1) },
		})

		result, runErr := o.Run(cmd.Context())
		bar.Finish()

		if result != nil {
			printOutcome(result)
			if flagUploadBucket != "" {
				if err := uploadBundle(cmd.Context(), runID, resultDir); err != nil {
					slog.Error("failed to upload result bundle", slog.String("error", err.Error()))
				}
			}
		}
		if runErr != nil {
			return exitWith(classify(runErr), runErr)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <experiment.yaml>",
	Short: "Parse and validate a descriptor without running anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := descriptor.LoadFile(args[0])
		if err != nil {
			return exitWith(exitFailure, err)
		}
		if err := descriptor.Validate(d, Version); err != nil {
			return exitWith(exitFailure, err)
		}
		fmt.Println("descriptor is valid")
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <experiment.yaml>",
	Short: "Print fully resolved commands without executing; all addresses must be supplied",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := descriptor.LoadFile(args[0])
		if err != nil {
			return exitWith(exitFailure, err)
		}
		if err := descriptor.Validate(d, Version); err != nil {
			return exitWith(exitFailure, err)
		}

		resctx := d.NewResolutionContext()
		for role, addr := range parseHosts(flagHosts) {
			resctx.SetAddress(role, addr)
		}

		printBlock := func(kind string, role, block string) error {
			for _, c := range descriptor.Commands(block) {
				resolved, err := template.Resolve(c, resctx)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\t%s\n", kind, role, resolved)
			}
			return nil
		}

		if err := printBlock("provision", "-", d.Provision); err != nil {
			return exitWith(exitFailure, err)
		}
		for _, inst := range d.Instances {
			if block, ok := d.Setup[inst.Role]; ok {
				if err := printBlock("setup", inst.Role, block); err != nil {
					return exitWith(exitFailure, err)
				}
			}
		}
		for _, inst := range d.Instances {
			if block, ok := d.Experiment[inst.Role]; ok {
				if err := printBlock("experiment", inst.Role, block); err != nil {
					return exitWith(exitFailure, err)
				}
			}
		}
		return nil
	},
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// classify maps a run error to the tool's exit code contract.
func classify(err error) int {
	var verr *descriptor.ValidationError
	var uerr *template.UnresolvedVariableError
	if errors.As(err, &verr) || errors.As(err, &uerr) {
		return exitFailure
	}
	var perr *provision.ProvisioningError
	if errors.As(err, &perr) {
		return exitProvisioning
	}
	var rerr *orchestrator.ReadinessTimeoutError
	if errors.As(err, &rerr) {
		return exitReadinessTimeout
	}
	var eerr *orchestrator.ExperimentError
	if errors.As(err, &eerr) {
		return exitExperiment
	}
	var merr *report.MissingArtifactError
	if errors.As(err, &merr) {
		return exitMissingArtifact
	}
	return exitFailure
}

func printOutcome(result *report.RunResult) {
	fmt.Printf("run %s: %s (phase %s)\n", result.RunID, result.Summary, result.Phase)
	if result.FailedRole != "" {
		fmt.Printf("  failed role: %s\n", result.FailedRole)
	}
	if result.Error != "" {
		fmt.Printf("  error: %s\n", result.Error)
	}
	for _, sr := range result.Scripts {
		if sr.ExitCode != 0 {
			fmt.Printf("  %s script on %s exited %d: %s\n", sr.Kind, sr.Role, sr.ExitCode, sr.Command)
		}
	}
	for _, a := range result.Artifacts {
		if a.Found {
			fmt.Printf("  artifact %s: %d bytes -> %s\n", a.Path, a.SizeBytes, a.LocalPath)
		} else {
			fmt.Printf("  artifact %s: MISSING\n", a.Path)
		}
	}
}

func buildAcquirer(d *descriptor.Descriptor) (provision.Acquirer, error) {
	kind := "static"
	var options map[string]any
	if d.Acquire != nil {
		if d.Acquire.Type != "" {
			kind = d.Acquire.Type
		}
		options = d.Acquire.Options
	}
	return provision.NewAcquirer(kind, options)
}

func uploadBundle(ctx context.Context, runID, resultDir string) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}
	return report.NewUploader(cfg, flagUploadBucket).UploadBundle(ctx, runID, resultDir)
}

func parseHosts(pairs []string) map[string]string {
	hosts := map[string]string{}
	for _, pair := range pairs {
		role, addr, ok := strings.Cut(pair, "=")
		if ok {
			hosts[role] = addr
		}
	}
	return hosts
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging.")
	rootCmd.PersistentFlags().StringArrayVar(&flagHosts, "host", nil, "Assign a pre-acquired host to a role, as role=addr. Can be used multiple times.")
	runCmd.Flags().StringVar(&flagResultDir, "result-dir", "", "Save the result bundle into this directory. Defaults to results/<run ID>.")
	runCmd.Flags().StringVar(&flagUploadBucket, "upload-bucket", "", "Upload the result bundle to this S3 bucket after the run.")
	runCmd.Flags().DurationVar(&flagReadyTimeout, "ready-timeout", 0, "Bound on waiting for a role to become ready. Overrides the descriptor.")
	runCmd.Flags().DurationVar(&flagExperimentTimeout, "experiment-timeout", 0, "Bound on the experiment phase. Overrides the descriptor.")
	rootCmd.AddCommand(runCmd, validateCmd, resolveCmd)

	cobra.OnInitialize(func() {
		level := slog.LevelInfo
		if flagDebug {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		}))
		slog.SetDefault(logger)
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		var eerr *exitError
		if errors.As(err, &eerr) {
			os.Exit(eerr.code)
		}
		os.Exit(exitFailure)
	}
}
