package deploy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushaobindoudou/bubble-sub000/internal/confirm"
	"github.com/dushaobindoudou/bubble-sub000/internal/contracts"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
	"github.com/dushaobindoudou/bubble-sub000/internal/gate"
	"github.com/dushaobindoudou/bubble-sub000/internal/guard"
	"github.com/dushaobindoudou/bubble-sub000/internal/ledger/ledgertest"
	"github.com/dushaobindoudou/bubble-sub000/internal/orchestrator"
	"github.com/dushaobindoudou/bubble-sub000/internal/retry"
)

const (
	deployer = "0x1111111111111111111111111111111111111111"
	access   = "0x6666666666666666666666666666666666666666"
	registry = "0x7777777777777777777777777777777777777777"
	minter   = "0x8888888888888888888888888888888888888888"
	pauser   = "0x9999999999999999999999999999999999999999"
)

var testSeed = "0x" + strings.Repeat("ab", 32)

func newRunner(t *testing.T) (*Runner, *ledgertest.Ledger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reads := retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	l := ledgertest.New(deployer)
	t.Cleanup(l.AutoMine(5 * time.Millisecond))

	chain := contracts.NewClient(l, contracts.Addresses{AccessControl: access, SeedRegistry: registry}, reads, logger)
	orch := orchestrator.New(orchestrator.Config{
		Account: deployer,
		Network: domain.NetworkDev,
		Confirmations: confirm.Settings{
			DevRequired:  1,
			DevTimeout:   2 * time.Second,
			PollInterval: 5 * time.Millisecond,
		},
	}, chain, gate.New(chain, 2), confirm.NewWaiter(l, reads, logger), guard.NewRegistry(), nil, logger)

	return NewRunner(orch, logger), l
}

func TestRun_ExecutesStepsInOrder(t *testing.T) {
	r, l := newRunner(t)
	l.GrantRole(access, contracts.RoleID(contracts.DefaultAdminRole), deployer)

	rep, err := r.Run(context.Background(), Plan{Steps: []Step{
		{Kind: KindGrantRole, Role: "MINTER_ROLE", Account: minter},
		{Kind: KindUpdateSeed, Seed: testSeed},
	}})
	require.NoError(t, err)
	assert.False(t, rep.Failed())
	require.Len(t, rep.Steps, 2)
	for _, s := range rep.Steps {
		assert.Equal(t, StatusSucceeded, s.Status)
		assert.NotEmpty(t, s.OperationID)
		assert.NotEmpty(t, s.Handle)
	}

	assert.True(t, l.HasRole(access, contracts.RoleID("MINTER_ROLE"), minter))
	assert.Equal(t, [32]byte(common.HexToHash(testSeed)), l.SeedOf(registry))

	calls := l.Submissions()
	require.Len(t, calls, 2)
	assert.Equal(t, "grantRole", calls[0].Method)
	assert.Equal(t, "updateSeed", calls[1].Method)
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	r, l := newRunner(t)

	// No admin role: the first grant fails validation and nothing is sent.
	rep, err := r.Run(context.Background(), Plan{Steps: []Step{
		{Kind: KindGrantRole, Role: "MINTER_ROLE", Account: minter},
		{Kind: KindGrantRole, Role: "PAUSER_ROLE", Account: pauser},
		{Kind: KindUpdateSeed, Seed: testSeed},
	}})
	require.NoError(t, err)
	assert.True(t, rep.Failed())

	assert.Equal(t, StatusFailed, rep.Steps[0].Status)
	assert.Equal(t, domain.KindValidationFailed, rep.Steps[0].ErrorKind)
	assert.Equal(t, StatusSkipped, rep.Steps[1].Status)
	assert.Equal(t, StatusSkipped, rep.Steps[2].Status)
	assert.Empty(t, l.Submissions())
}

func TestRun_VerificationFailureStops(t *testing.T) {
	r, l := newRunner(t)
	l.NoopMethod("updateSeed")

	rep, err := r.Run(context.Background(), Plan{Steps: []Step{
		{Kind: KindUpdateSeed, Seed: testSeed},
		{Kind: KindGrantRole, Role: "MINTER_ROLE", Account: minter},
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.KindVerificationFailed, rep.Steps[0].ErrorKind)
	assert.Equal(t, StatusSkipped, rep.Steps[1].Status)
	assert.Equal(t, 1, l.SubmissionsOf("updateSeed"))
	assert.Zero(t, l.SubmissionsOf("grantRole"))
}

func TestReport_Print(t *testing.T) {
	rep := Report{Steps: []StepReport{
		{Index: 1, Step: Step{Kind: KindGrantRole, Role: "MINTER_ROLE", Account: minter}, Status: StatusSucceeded, Handle: "0xabc"},
		{Index: 2, Step: Step{Kind: KindUpdateSeed, Seed: testSeed}, Status: StatusFailed, ErrorKind: domain.KindReverted, Message: "not allowed"},
	}}
	var buf bytes.Buffer
	require.NoError(t, rep.Print(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "grant MINTER_ROLE to "+minter)
	assert.Contains(t, lines[1], "0xabc")
	assert.Contains(t, lines[2], "reverted: not allowed")
}

func TestLoadPlan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.toml")
	body := `
[[steps]]
kind = "grant_role"
role = "MINTER_ROLE"
account = "` + minter + `"

[[steps]]
kind = "update_seed"
contract = "` + registry + `"
seed = "` + testSeed + `"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	p, err := LoadPlan(path)
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, KindGrantRole, p.Steps[0].Kind)
	assert.Equal(t, registry, p.Steps[1].Contract)
}

func TestLoadPlan_Rejects(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	_, err := LoadPlan(write("unknown.toml", "[[steps]]\nkind = \"grant_role\"\nrole = \"R\"\naccount = \""+minter+"\"\ncolor = \"red\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")

	_, err = LoadPlan(write("empty.toml", ""))
	require.Error(t, err)

	err = Plan{Steps: []Step{
		{Kind: "mint"},
		{Kind: KindGrantRole, Account: "0x12"},
		{Kind: KindUpdateSeed, Seed: "0x01"},
	}}.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `step 1: unknown kind "mint"`)
	assert.Contains(t, msg, "step 2: role is required")
	assert.Contains(t, msg, "step 3:")
}
