package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fullctl/aaactl-sub000/pkg/billing"
	"github.com/fullctl/aaactl-sub000/pkg/config"
	"github.com/fullctl/aaactl-sub000/pkg/observability"
	"github.com/fullctl/aaactl-sub000/pkg/orgs"
	"github.com/fullctl/aaactl-sub000/pkg/perms"
	"github.com/fullctl/aaactl-sub000/pkg/rbac"
)

func memoryRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Database.URL = ""
	cfg.Redis.URL = ""
	cfg.Bridge.URLs = nil
	cfg.Seed.File = ""

	rt, err := NewRuntime(context.Background(), cfg, observability.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func execute(t *testing.T, rt *Runtime, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(func(ctx context.Context) (*Runtime, error) { return rt, nil }, &out)
	err := root.Execute(context.Background(), args)
	return out.String(), err
}

func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand(DefaultOpener, &bytes.Buffer{})

	assert.Equal(t, "aaactl", root.Name)
	for _, name := range []string{"progress-billing", "expire-products", "cycle", "recompute-permissions", "seed"} {
		assert.Contains(t, root.Subcommands, name)
	}
	assert.Len(t, root.Subcommands, 5)
}

func TestCommandUsage(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommand(DefaultOpener, &out)

	require.NoError(t, root.Execute(context.Background(), nil))
	assert.Contains(t, out.String(), "Usage: aaactl <command> [args]")
	assert.Contains(t, out.String(), "progress-billing")

	out.Reset()
	require.NoError(t, root.Execute(context.Background(), []string{"--help"}))
	assert.Contains(t, out.String(), "recompute-permissions")
}

func TestExecute_UnknownCommand(t *testing.T) {
	root := NewRootCommand(DefaultOpener, &bytes.Buffer{})

	err := root.Execute(context.Background(), []string{"push"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command: push")
}

func TestProgressBillingCommand(t *testing.T) {
	rt := memoryRuntime(t)
	ctx := context.Background()

	group, err := rt.Billing.CreateProductGroup(ctx, "fullctl")
	require.NoError(t, err)
	product, err := rt.Billing.CreateProduct(ctx, &billing.Product{
		Name:      "prefixctl.monitor",
		GroupID:   &group.ID,
		Type:      billing.ProductFixed,
		UnitPrice: 1000,
		Recurring: true,
	})
	require.NoError(t, err)
	sub, err := rt.Billing.Subscribe(ctx, &billing.Subscription{OrgID: 1, GroupID: group.ID, ChargeType: billing.ChargeAtStart})
	require.NoError(t, err)
	_, err = rt.Billing.AddSubscriptionProduct(ctx, sub.ID, product.ID, nil)
	require.NoError(t, err)
	_, err = rt.Billing.CreatePaymentMethod(ctx, &billing.PaymentMethod{OrgID: 1, Processor: "dummy", Name: "test card"})
	require.NoError(t, err)

	out, err := execute(t, rt, "progress-billing", "--json")
	require.NoError(t, err)

	var report billing.RunReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Subscriptions)
	assert.Equal(t, 1, report.CyclesStarted)
	assert.Equal(t, 1, report.Charges)
	assert.Empty(t, report.Failures)
}

func TestCycleCommand_RequiresID(t *testing.T) {
	rt := memoryRuntime(t)

	_, err := execute(t, rt, "cycle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--id")
}

func TestExpireProductsCommand(t *testing.T) {
	rt := memoryRuntime(t)

	out, err := execute(t, rt, "expire-products")
	require.NoError(t, err)
	assert.Equal(t, "Expired 0 products\n", out)
}

func TestRecomputeCommand(t *testing.T) {
	rt := memoryRuntime(t)
	ctx := context.Background()

	org, err := rt.Orgs.CreateOrganization(ctx, &orgs.Organization{Name: "20C"})
	require.NoError(t, err)
	require.NoError(t, rt.Orgs.AddMember(ctx, org.ID, 42))
	_, err = rt.RBAC.CreateManagedPermission(ctx, &rbac.ManagedPermission{
		Namespace:      "service.peerctl.{org_id}",
		GrantMode:      rbac.GrantModeAuto,
		AutoGrantUsers: perms.MustParse("r"),
	})
	require.NoError(t, err)

	out, err := execute(t, rt, "recompute-permissions", "--org", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "organization 1")

	grants, err := rt.RBAC.GetGrants(ctx, rbac.User(42))
	require.NoError(t, err)
	assert.True(t, grants.Check("service.peerctl.1", perms.MustParse("r")))
}

func TestSeedCommand(t *testing.T) {
	rt := memoryRuntime(t)
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
roles:
  - name: admin
    level: 100
product_groups:
  - name: fullctl
    products:
      - name: peerctl.peers
        type: metered
        unit_price: "0.50"
`), 0o644))

	out, err := execute(t, rt, "seed", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Roles: 1 created, 0 updated")
	assert.Contains(t, out, "Products: 1 created")

	_, err = rt.Billing.Store().GetProductByName(context.Background(), "peerctl.peers")
	assert.NoError(t, err)
}

func TestSeedCommand_NoFile(t *testing.T) {
	rt := memoryRuntime(t)

	_, err := execute(t, rt, "seed")
	assert.Error(t, err)
}
