package provision

import (
	"context"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/ssh"

	"github.com/Octogonapus/KVBench/target"
)

func init() {
	RegisterAcquirer("static", func(options map[string]any) (Acquirer, error) {
		input := &StaticAcquirerInput{User: "root", SSHPort: 22}
		if err := mapstructure.Decode(options, input); err != nil {
			return nil, err
		}
		return NewStaticAcquirer(input)
	})
}

type StaticAcquirerInput struct {
	User    string `mapstructure:"user"`
	SSHPort int    `mapstructure:"ssh_port"`
	KeyPath string `mapstructure:"key_path"`
}

// StaticAcquirer addresses pre-acquired hosts. The special address "local"
// runs the role on the invoking machine.
type StaticAcquirer struct {
	input *StaticAcquirerInput
	auths []ssh.AuthMethod
}

func NewStaticAcquirer(input *StaticAcquirerInput) (*StaticAcquirer, error) {
	a := &StaticAcquirer{input: input}
	if input.KeyPath != "" {
		data, err := os.ReadFile(input.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key: %w", err)
		}
		a.auths = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	}
	return a, nil
}

func (a *StaticAcquirer) Acquire(ctx context.Context, role, addr string) (target.Target, error) {
	if addr == "" {
		return nil, &ProvisioningError{Role: role, Err: fmt.Errorf("no address supplied for role (use the descriptor addr field or --host %s=<addr>)", role)}
	}
	if addr == "local" {
		return &target.LocalTarget{}, nil
	}
	if len(a.auths) == 0 {
		return nil, &ProvisioningError{Role: role, Err: fmt.Errorf("static acquirer needs key_path to reach %s", addr)}
	}
	return &target.SSHTarget{
		User:    a.input.User,
		IP:      addr,
		SSHPort: a.input.SSHPort,
		Auths:   a.auths,
	}, nil
}

func (a *StaticAcquirer) Release(ctx context.Context, role string, t target.Target) error {
	// Pre-acquired hosts are not ours to return.
	return nil
}
