package provision

import (
	"context"
	"fmt"

	"github.com/Octogonapus/KVBench/target"
)

// An Acquirer turns a declared role into a usable target. addr is the address
// supplied by the descriptor or the command line; acquirers that launch their
// own hosts reject pre-assigned addresses.
type Acquirer interface {
	Acquire(ctx context.Context, role, addr string) (target.Target, error)

	// Release gives the role's host back. Best-effort: failures are logged by
	// the caller, never retried.
	Release(ctx context.Context, role string, t target.Target) error
}

// ManagedAcquirer is implemented by acquirers that hold run-scoped
// infrastructure beyond the per-role hosts (key pairs, security groups).
type ManagedAcquirer interface {
	Acquirer
	SetUp(ctx context.Context) error
	TearDown(ctx context.Context) error
}

type acquirerFactory func(map[string]any) (Acquirer, error)

var acquirers map[string]acquirerFactory

// All acquirers must register themselves at module load time so the acquire
// block of a descriptor can select them by type.
func RegisterAcquirer(kind string, f acquirerFactory) {
	if acquirers == nil {
		acquirers = map[string]acquirerFactory{}
	}
	acquirers[kind] = f
}

// NewAcquirer builds the acquirer named by kind from its free-form options.
func NewAcquirer(kind string, options map[string]any) (Acquirer, error) {
	f, ok := acquirers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown acquirer type: %s", kind)
	}
	return f(options)
}
