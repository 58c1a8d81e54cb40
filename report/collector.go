package report

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MissingArtifactError reports declared artifacts that were absent after a
// nominally successful run. It downgrades the summary but is not fatal.
type MissingArtifactError struct {
	Paths []string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("declared artifacts missing after run: %s", strings.Join(e.Paths, ", "))
}

// Collector aggregates script results and artifacts into one RunResult. Each
// phase appends its fragments only after the phase has fully completed, so a
// mutex is enough to keep concurrent per-role workers safe.
type Collector struct {
	mu     sync.Mutex
	result *RunResult
	dir    string
	names  map[string]bool
}

func NewCollector(runID, resultDir string) *Collector {
	return &Collector{
		result: &RunResult{RunID: runID, Phase: PhaseInit, Summary: Failed},
		dir:    resultDir,
		names:  map[string]bool{},
	}
}

func (c *Collector) ResultDir() string {
	return c.dir
}

func (c *Collector) SetPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Phase = p
}

func (c *Collector) AddScript(sr ScriptResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Scripts = append(c.result.Scripts, sr)
}

func (c *Collector) AddArtifact(ar ArtifactResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Artifacts = append(c.result.Artifacts, ar)
}

// Fail marks the run failed at the phase it reached.
func (c *Collector) Fail(phase Phase, role string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Phase = phase
	c.result.Summary = Failed
	c.result.FailedRole = role
	if err != nil {
		c.result.Error = err.Error()
	}
}

// Finish computes the run summary: Success iff nothing failed and every
// declared artifact was found, PartialSuccess when only artifacts are missing.
func (c *Collector) Finish() *RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result.Error != "" {
		c.result.Summary = Failed
		return c.result
	}
	c.result.Phase = PhaseDone
	c.result.Summary = Success
	for _, a := range c.result.Artifacts {
		if !a.Found {
			c.result.Summary = PartialSuccess
		}
	}
	return c.result
}

// Result returns the bundle as collected so far.
func (c *Collector) Result() *RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// CollectArtifact fetches one declared artifact from its role's target into
// the result dir and verifies it. A fetch failure is recorded as a missing
// artifact, not an error: the artifact simply is not there.
func (c *Collector) CollectArtifact(path, role string, fetch func(remotePath string, local io.Writer) error) ArtifactResult {
	ar := ArtifactResult{Path: path, Role: role}

	local := c.localPath(path)
	f, err := os.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.ModePerm)
	if err != nil {
		slog.Error("failed to open local artifact file", slog.String("path", local), slog.String("error", err.Error()))
		c.AddArtifact(ar)
		return ar
	}

	if err := fetch(path, f); err != nil {
		slog.Debug("artifact not retrievable", slog.String("path", path), slog.String("role", role), slog.String("error", err.Error()))
		f.Close()
		os.Remove(local)
		c.AddArtifact(ar)
		return ar
	}
	if err := f.Close(); err != nil {
		slog.Error("failed to close local artifact file", slog.String("path", local), slog.String("error", err.Error()))
		c.AddArtifact(ar)
		return ar
	}

	info, err := os.Stat(local)
	if err != nil {
		c.AddArtifact(ar)
		return ar
	}
	ar.Found = true
	ar.LocalPath = local
	ar.SizeBytes = info.Size()
	c.AddArtifact(ar)
	return ar
}

// localPath returns a destination in the result dir for path's basename.
// Artifacts from different roles may share a basename, so repeated names get a
// numeric suffix instead of overwriting an earlier artifact.
func (c *Collector) localPath(path string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := base
	for i := 2; c.names[name]; i++ {
		name = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	c.names[name] = true
	return filepath.Join(c.dir, name)
}

// MissingArtifacts returns the error listing every declared artifact that was
// not found, or nil.
func (c *Collector) MissingArtifacts() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	missing := []string{}
	for _, a := range c.result.Artifacts {
		if !a.Found {
			missing = append(missing, a.Path)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingArtifactError{Paths: missing}
}

// WriteBundle writes the result as report.json in the result dir.
func (c *Collector) WriteBundle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(c.dir, fs.ModePerm); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c.result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, "report.json"), data, os.ModePerm)
}
