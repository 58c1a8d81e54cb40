package descriptor

import (
	"fmt"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"

	"github.com/Octogonapus/KVBench/template"
)

// ValidationError lists every problem found in a descriptor so the user can
// fix the file in one pass.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid descriptor: %s", strings.Join(e.Issues, "; "))
}

// Commands splits a multi-line command block into its ordered commands,
// skipping blank lines and comment lines.
func Commands(block string) []string {
	cmds := []string{}
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmds = append(cmds, line)
	}
	return cmds
}

// Validate checks the descriptor against the declared roles and variables.
// harnessVersion is matched against min_version when present. Validation is
// pure and reports every issue, not just the first.
func Validate(d *Descriptor, harnessVersion string) error {
	issues := []string{}

	if d.MinVersion != "" {
		constraint, err := goversion.NewConstraint(d.MinVersion)
		if err != nil {
			issues = append(issues, fmt.Sprintf("min_version %q is not a valid constraint: %v", d.MinVersion, err))
		} else {
			current, err := goversion.NewVersion(harnessVersion)
			if err != nil {
				issues = append(issues, fmt.Sprintf("harness version %q is not parseable: %v", harnessVersion, err))
			} else if !constraint.Check(current) {
				issues = append(issues, fmt.Sprintf("descriptor requires harness %s, this is %s", d.MinVersion, harnessVersion))
			}
		}
	}

	for _, name := range sortedVarNames(d.Vars) {
		switch d.Vars[name].(type) {
		case string, int:
		default:
			issues = append(issues, fmt.Sprintf("var %q must be a string or integer, got %T", name, d.Vars[name]))
		}
	}

	declared := map[string]bool{}
	for _, inst := range d.Instances {
		if declared[inst.Role] {
			issues = append(issues, fmt.Sprintf("instance role %q declared more than once", inst.Role))
		}
		declared[inst.Role] = true
	}

	if len(d.Experiment) == 0 {
		issues = append(issues, "descriptor has no experiment block")
	}

	for _, role := range sortedKeys(d.Setup) {
		if !declared[role] {
			issues = append(issues, fmt.Sprintf("setup references undeclared role %q", role))
		}
	}
	for _, role := range sortedKeys(d.Experiment) {
		if !declared[role] {
			issues = append(issues, fmt.Sprintf("experiment references undeclared role %q", role))
		}
	}
	for _, role := range sortedProbeKeys(d.Ready) {
		if !declared[role] {
			issues = append(issues, fmt.Sprintf("ready references undeclared role %q", role))
		}
		probe := d.Ready[role]
		if probe.Port != 0 && probe.Delay.Duration != 0 {
			issues = append(issues, fmt.Sprintf("ready probe for %q sets both port and delay", role))
		}
		if probe.Port < 0 || probe.Port > 65535 {
			issues = append(issues, fmt.Sprintf("ready probe for %q has port %d out of range", role, probe.Port))
		}
	}
	for _, art := range d.Artifacts {
		if art.Path == "" {
			issues = append(issues, "artifact with empty path")
		}
		if art.Role != "" && !declared[art.Role] {
			issues = append(issues, fmt.Sprintf("artifact %q references undeclared role %q", art.Path, art.Role))
		}
	}

	// Every placeholder must name a declared var or a declared instance role.
	// The provision block runs before any address is assigned, so it may only
	// reference vars.
	resolvable := func(name string) bool {
		if _, ok := d.Vars[name]; ok {
			return true
		}
		return declared[name]
	}
	for _, ref := range template.Refs(d.Provision) {
		if _, ok := d.Vars[ref]; !ok {
			issues = append(issues, fmt.Sprintf("provision references ${%s}, which is not a declared var (instance addresses are not yet assigned)", ref))
		}
	}
	for _, role := range sortedKeys(d.Setup) {
		for _, ref := range template.Refs(d.Setup[role]) {
			if !resolvable(ref) {
				issues = append(issues, fmt.Sprintf("setup for %q references unbound ${%s}", role, ref))
			}
		}
	}
	for _, role := range sortedKeys(d.Experiment) {
		for _, ref := range template.Refs(d.Experiment[role]) {
			if !resolvable(ref) {
				issues = append(issues, fmt.Sprintf("experiment for %q references unbound ${%s}", role, ref))
			}
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedProbeKeys(m map[string]Probe) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedVarNames(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
