package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Octogonapus/KVBench/descriptor"
	"github.com/Octogonapus/KVBench/orchestrator"
	"github.com/Octogonapus/KVBench/provision"
	"github.com/Octogonapus/KVBench/report"
	"github.com/Octogonapus/KVBench/template"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, exitFailure, classify(&descriptor.ValidationError{Issues: []string{"bad"}}))
	assert.Equal(t, exitFailure, classify(&template.UnresolvedVariableError{Name: "db9"}))
	assert.Equal(t, exitProvisioning, classify(&provision.ProvisioningError{Role: "db2", ExitCode: 7}))
	assert.Equal(t, exitReadinessTimeout, classify(&orchestrator.ReadinessTimeoutError{Role: "db1", Timeout: time.Second}))
	assert.Equal(t, exitExperiment, classify(&orchestrator.ExperimentError{Role: "client", ExitCode: 2}))
	assert.Equal(t, exitMissingArtifact, classify(&report.MissingArtifactError{Paths: []string{"proof-sizes.csv"}}))

	// Wrapped typed errors still classify by their cause.
	wrapped := fmt.Errorf("run failed: %w", &provision.ProvisioningError{Role: "db3"})
	assert.Equal(t, exitProvisioning, classify(wrapped))

	// Anything outside the typed run errors falls back to the generic code.
	assert.Equal(t, exitFailure, classify(errors.New("this run has already executed")))
}
