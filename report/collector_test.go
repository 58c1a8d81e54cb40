package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorSummaryRules(t *testing.T) {
	c := NewCollector("r1", t.TempDir())
	c.SetPhase(PhaseExperiment)
	c.AddScript(ScriptResult{Role: "client", Kind: KindExperiment, ExitCode: 0})
	c.AddArtifact(ArtifactResult{Path: "build-times.csv", Found: true})

	result := c.Finish()
	assert.Equal(t, Success, result.Summary)
	assert.Equal(t, PhaseDone, result.Phase)
	assert.NoError(t, c.MissingArtifacts())
}

func TestCollectorMissingArtifactDowngrades(t *testing.T) {
	c := NewCollector("r1", t.TempDir())
	c.AddArtifact(ArtifactResult{Path: "build-times.csv", Found: true})
	c.AddArtifact(ArtifactResult{Path: "proof-sizes.csv", Found: false})

	result := c.Finish()
	assert.Equal(t, PartialSuccess, result.Summary)

	err := c.MissingArtifacts()
	var merr *MissingArtifactError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, []string{"proof-sizes.csv"}, merr.Paths)
}

func TestCollectorFailWins(t *testing.T) {
	c := NewCollector("r1", t.TempDir())
	c.SetPhase(PhaseProvisioning)
	c.Fail(PhaseProvisioning, "db2", errors.New("setup exited 7"))

	result := c.Finish()
	assert.Equal(t, Failed, result.Summary)
	assert.Equal(t, PhaseProvisioning, result.Phase)
	assert.Equal(t, "db2", result.FailedRole)
	assert.Contains(t, result.Error, "exited 7")
}

func TestCollectArtifactFetchesAndVerifies(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector("r1", dir)

	ar := c.CollectArtifact("out/build-times.csv", "client", func(remotePath string, local io.Writer) error {
		_, err := io.Copy(local, strings.NewReader("op,ms\nget,1\n"))
		return err
	})
	assert.True(t, ar.Found)
	assert.Equal(t, int64(len("op,ms\nget,1\n")), ar.SizeBytes)
	assert.FileExists(t, filepath.Join(dir, "build-times.csv"))

	ar = c.CollectArtifact("proof-sizes.csv", "client", func(remotePath string, local io.Writer) error {
		return fmt.Errorf("no such file")
	})
	assert.False(t, ar.Found)
	assert.NoFileExists(t, filepath.Join(dir, "proof-sizes.csv"))
}

func TestCollectArtifactDisambiguatesSharedBasenames(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector("r1", dir)

	fetchOf := func(contents string) func(string, io.Writer) error {
		return func(remotePath string, local io.Writer) error {
			_, err := io.Copy(local, strings.NewReader(contents))
			return err
		}
	}

	first := c.CollectArtifact("db1/stats.csv", "db1", fetchOf("from db1\n"))
	second := c.CollectArtifact("db2/stats.csv", "db2", fetchOf("from db2\n"))
	require.True(t, first.Found)
	require.True(t, second.Found)
	assert.NotEqual(t, first.LocalPath, second.LocalPath)

	data, err := os.ReadFile(first.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "from db1\n", string(data))
	data, err = os.ReadFile(second.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "from db2\n", string(data))
}

func TestWriteBundle(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector("r1", dir)
	c.AddScript(ScriptResult{Role: "client", Kind: KindExperiment, Command: "kvclient", ExitCode: 0})
	c.Finish()
	require.NoError(t, c.WriteBundle())

	data, err := os.ReadFile(filepath.Join(dir, "report.json"))
	require.NoError(t, err)
	var out RunResult
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "r1", out.RunID)
	assert.Equal(t, Success, out.Summary)
	require.Len(t, out.Scripts, 1)
	assert.Equal(t, "kvclient", out.Scripts[0].Command)
}
