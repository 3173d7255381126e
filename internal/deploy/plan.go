// Package deploy runs a post-deployment configuration plan of role grants
// and seed updates through the orchestrator, one step at a time.
package deploy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
)

// Step kinds.
const (
	KindGrantRole  = "grant_role"
	KindUpdateSeed = "update_seed"
)

// Plan is an ordered list of configuration steps.
//
//	[[steps]]
//	kind = "grant_role"
//	role = "MINTER_ROLE"
//	account = "0x..."
//
//	[[steps]]
//	kind = "update_seed"
//	seed = "0x<64 hex digits>"
type Plan struct {
	Steps []Step `toml:"steps"`
}

// Step is one plan entry. Contract is optional and defaults to the
// configured access-control contract or seed registry.
type Step struct {
	Kind     string `toml:"kind"`
	Contract string `toml:"contract"`
	Role     string `toml:"role"`
	Account  string `toml:"account"`
	Seed     string `toml:"seed"`
}

// String describes the step for reports and logs.
func (s Step) String() string {
	switch s.Kind {
	case KindGrantRole:
		return fmt.Sprintf("grant %s to %s", s.Role, s.Account)
	case KindUpdateSeed:
		return "update seed to " + s.Seed
	default:
		return s.Kind
	}
}

// LoadPlan decodes and validates the plan at path.
func LoadPlan(path string) (Plan, error) {
	var p Plan
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Plan{}, fmt.Errorf("deploy: decode plan %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Plan{}, fmt.Errorf("deploy: plan %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Validate checks every step before anything is submitted.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New("deploy: plan has no steps")
	}
	var errs []string
	for i, s := range p.Steps {
		if s.Contract != "" && !common.IsHexAddress(s.Contract) {
			errs = append(errs, fmt.Sprintf("step %d: contract %q is not an address", i+1, s.Contract))
		}
		switch s.Kind {
		case KindGrantRole:
			if s.Role == "" {
				errs = append(errs, fmt.Sprintf("step %d: role is required", i+1))
			}
			if !common.IsHexAddress(s.Account) {
				errs = append(errs, fmt.Sprintf("step %d: account %q is not an address", i+1, s.Account))
			}
		case KindUpdateSeed:
			if _, err := contracts.ParseSeed(s.Seed); err != nil {
				errs = append(errs, fmt.Sprintf("step %d: %v", i+1, err))
			}
		default:
			errs = append(errs, fmt.Sprintf("step %d: unknown kind %q (valid: grant_role, update_seed)", i+1, s.Kind))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("deploy: invalid plan:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
