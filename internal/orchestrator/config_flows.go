package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// RoleGrant grants Role (a name, or a 0x-prefixed role id) to Account on
// Contract. Contract defaults to the configured access-control contract.
type RoleGrant struct {
	Contract string
	Role     string
	Account  string
}

// SeedUpdate replaces the seed stored by Contract, which defaults to the
// configured seed registry.
type SeedUpdate struct {
	Contract string
	Seed     [32]byte
}

// SubmitRoleGrant runs a privileged role grant. Confirmation alone is not
// trusted: membership is re-read afterwards and a mismatch fails the flow
// with VerificationFailed.
func (o *Orchestrator) SubmitRoleGrant(ctx context.Context, g RoleGrant) (*Flow, error) {
	if g.Contract == "" {
		g.Contract = o.chain.Addresses().AccessControl
	}
	return o.start(ctx, flowSpec{
		kind:    domain.OpGrantRole,
		primary: g.Role + ":" + strings.ToLower(g.Account),
		args:    map[string]string{"contract": g.Contract, "role": g.Role, "account": g.Account},
		run: func(ctx context.Context, fr *flowRun) (domain.OperationResult, error) {
			return o.runRoleGrant(ctx, fr, g)
		},
	})
}

func (o *Orchestrator) runRoleGrant(ctx context.Context, fr *flowRun, g RoleGrant) (domain.OperationResult, error) {
	const op = "validate grant_role"
	var res domain.OperationResult

	fr.state(domain.StateValidating)
	if g.Role == "" {
		return res, domain.Validation(op, "role is required")
	}
	if !common.IsHexAddress(g.Account) {
		return res, domain.Validation(op, "account %q is not an address", g.Account)
	}
	if !common.IsHexAddress(g.Contract) {
		return res, domain.Validation(op, "contract %q is not an address", g.Contract)
	}

	role := contracts.RoleID(g.Role)
	admin, err := o.chain.RoleAdmin(ctx, g.Contract, role)
	if err != nil {
		return res, err
	}
	isAdmin, err := o.chain.HasRole(ctx, g.Contract, admin, o.cfg.Account)
	if err != nil {
		return res, err
	}
	if !isAdmin {
		return res, domain.Validation(op, "caller lacks admin role %s needed to grant %s", common.Hash(admin).Hex(), g.Role)
	}
	held, err := o.chain.HasRole(ctx, g.Contract, role, g.Account)
	if err != nil {
		return res, err
	}
	if held {
		res.Message = fmt.Sprintf("%s already holds %s", g.Account, g.Role)
		fr.log.InfoContext(ctx, "role already held, nothing to submit")
		return res, nil
	}

	fr.state(domain.StateSubmitting)
	h, err := fr.send(ctx, o.chain.GrantRoleCall(g.Contract, role, g.Account))
	res.Handle = h
	if err != nil {
		return res, err
	}
	fr.confirming(h)
	if _, err := fr.wait(ctx, h); err != nil {
		return res, err
	}

	held, err = o.chain.HasRole(ctx, g.Contract, role, g.Account)
	if err != nil {
		return res, err
	}
	if !held {
		return res, domain.NewError(domain.KindVerificationFailed, "verify grant_role",
			fmt.Sprintf("grantRole confirmed in %s but %s does not hold role %s (%s)", h, g.Account, g.Role, common.Hash(role).Hex()), nil)
	}
	return res, nil
}

// SubmitSeedUpdate replaces the registry seed and verifies the stored value
// after confirmation.
func (o *Orchestrator) SubmitSeedUpdate(ctx context.Context, u SeedUpdate) (*Flow, error) {
	if u.Contract == "" {
		u.Contract = o.chain.Addresses().SeedRegistry
	}
	return o.start(ctx, flowSpec{
		kind:    domain.OpUpdateSeed,
		primary: strings.ToLower(u.Contract),
		args:    map[string]string{"contract": u.Contract, "seed": common.Hash(u.Seed).Hex()},
		run: func(ctx context.Context, fr *flowRun) (domain.OperationResult, error) {
			return o.runSeedUpdate(ctx, fr, u)
		},
	})
}

func (o *Orchestrator) runSeedUpdate(ctx context.Context, fr *flowRun, u SeedUpdate) (domain.OperationResult, error) {
	const op = "validate update_seed"
	var res domain.OperationResult

	fr.state(domain.StateValidating)
	if !common.IsHexAddress(u.Contract) {
		return res, domain.Validation(op, "contract %q is not an address", u.Contract)
	}
	if o.cfg.SeedRole != "" {
		ok, err := o.chain.HasRole(ctx, u.Contract, contracts.RoleID(o.cfg.SeedRole), o.cfg.Account)
		if err != nil {
			return res, err
		}
		if !ok {
			return res, domain.Validation(op, "caller lacks %s", o.cfg.SeedRole)
		}
	}

	fr.state(domain.StateSubmitting)
	h, err := fr.send(ctx, o.chain.UpdateSeedCall(u.Contract, u.Seed))
	res.Handle = h
	if err != nil {
		return res, err
	}
	fr.confirming(h)
	if _, err := fr.wait(ctx, h); err != nil {
		return res, err
	}

	got, err := o.chain.Seed(ctx, u.Contract)
	if err != nil {
		return res, err
	}
	if got != u.Seed {
		return res, domain.NewError(domain.KindVerificationFailed, "verify update_seed",
			fmt.Sprintf("updateSeed confirmed in %s but registry holds %s, want %s", h, common.Hash(got).Hex(), common.Hash(u.Seed).Hex()), nil)
	}
	return res, nil
}
