package descriptor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Octogonapus/KVBench/template"
)

// Instance is a named role in the experiment topology. Addr is empty for
// addressless placeholders; the provisioner assigns or accepts an address
// before the role can be referenced in templates.
type Instance struct {
	Role string
	Addr string
}

// instanceList preserves the declaration order of the instances mapping, which
// fixes the provisioning dispatch order.
type instanceList []Instance

func (il *instanceList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("instances must be a mapping of role names")
	}
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		inst := Instance{Role: key.Value}
		if val.Kind == yaml.MappingNode {
			var body struct {
				Addr string `yaml:"addr"`
			}
			if err := val.Decode(&body); err != nil {
				return fmt.Errorf("instance %q: %w", key.Value, err)
			}
			inst.Addr = body.Addr
		}
		*il = append(*il, inst)
	}
	return nil
}

// Duration wraps time.Duration so descriptor fields accept values like "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Probe configures how a role's readiness is detected after its setup script
// exits zero. Exactly one of Port or Delay may be set; with neither, setup
// exit zero alone signals readiness.
type Probe struct {
	Port    int      `yaml:"port"`
	Delay   Duration `yaml:"delay"`
	Timeout Duration `yaml:"timeout"`
}

// Acquire selects how addressless roles get hosts. Options are decoded by the
// chosen acquirer (see provision.NewAcquirer).
type Acquire struct {
	Type    string         `yaml:"type"`
	Options map[string]any `yaml:"options"`
}

// Artifact is a file the experiment is expected to produce on the named role.
type Artifact struct {
	Path string `yaml:"path"`
	Role string `yaml:"role"`
}

func (a *Artifact) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Path = node.Value
		return nil
	}
	var body struct {
		Path string `yaml:"path"`
		Role string `yaml:"role"`
	}
	if err := node.Decode(&body); err != nil {
		return err
	}
	a.Path = body.Path
	a.Role = body.Role
	return nil
}

// Timeouts bounds the blocking waits of a run.
type Timeouts struct {
	Ready      Duration `yaml:"ready"`
	Experiment Duration `yaml:"experiment"`
}

// Descriptor is the in-memory form of an experiment descriptor file.
type Descriptor struct {
	MinVersion string            `yaml:"min_version"`
	Vars       map[string]any    `yaml:"vars"`
	Instances  instanceList      `yaml:"instances"`
	Acquire    *Acquire          `yaml:"acquire"`
	Provision  string            `yaml:"provision"`
	Setup      map[string]string `yaml:"setup"`
	Experiment map[string]string `yaml:"experiment"`
	Ready      map[string]Probe  `yaml:"ready"`
	Timeouts   Timeouts          `yaml:"timeouts"`
	Artifacts  []Artifact        `yaml:"artifacts"`
}

// Load parses descriptor YAML. It does not validate; see Validate.
func Load(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing descriptor: %w", err)
	}
	return &d, nil
}

func LoadFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor file: %w", err)
	}
	return Load(data)
}

// NewResolutionContext builds a template context pre-populated with the
// declared vars. Integer vars are rendered in decimal. Instance addresses are
// added later, during provisioning.
func (d *Descriptor) NewResolutionContext() *template.Context {
	ctx := template.NewContext()
	for name, val := range d.Vars {
		switch v := val.(type) {
		case int:
			ctx.SetInt(name, v)
		case string:
			ctx.SetString(name, v)
		}
	}
	for _, inst := range d.Instances {
		if inst.Addr != "" {
			ctx.SetAddress(inst.Role, inst.Addr)
		}
	}
	return ctx
}

// Instance returns the declared instance with the given role, if any.
func (d *Descriptor) Instance(role string) (Instance, bool) {
	for _, inst := range d.Instances {
		if inst.Role == role {
			return inst, true
		}
	}
	return Instance{}, false
}

// ExperimentRoles returns the roles with an experiment script, in declaration
// order of the instances block.
func (d *Descriptor) ExperimentRoles() []string {
	roles := []string{}
	for _, inst := range d.Instances {
		if _, ok := d.Experiment[inst.Role]; ok {
			roles = append(roles, inst.Role)
		}
	}
	return roles
}
