package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorion-labs/vorion/core/pkg/contracts"
)

type captureInvalidator struct {
	tenants []string
}

func (c *captureInvalidator) InvalidateTenant(_ context.Context, tenantID string) int {
	c.tenants = append(c.tenants, tenantID)
	return 3
}

func newRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := New(opts)
	require.NoError(t, err)
	return r
}

func policyDoc(id string, version int64) contracts.Policy {
	return contracts.Policy{
		ID:        id,
		Namespace: "default",
		Version:   version,
		Rules: []contracts.PolicyRule{{
			ID: "r1", Enabled: true,
			Condition: `intent.type == "data.write"`,
			Action:    contracts.ActionDeny,
		}},
		DefaultAction: contracts.ActionAllow,
	}
}

func TestActivateAndLookup(t *testing.T) {
	r := newRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, r.Activate(ctx, "t1", []contracts.Policy{
		policyDoc("p1", 1),
		policyDoc("p2", 1),
	}))
	assert.Equal(t, int64(1), r.SetVersion("t1"))

	got, err := r.Get("t1", "p1")
	require.NoError(t, err)
	assert.NotEmpty(t, got.Checksum)
	assert.False(t, got.UpdatedAt.IsZero())

	all, err := r.Policies("t1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = r.Get("t1", "missing")
	require.ErrorIs(t, err, ErrPolicyNotFound)
	_, err = r.Policies("t2")
	require.ErrorIs(t, err, ErrTenantNotFound)
}

func TestActivateSwapsWholeSet(t *testing.T) {
	r := newRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, r.Activate(ctx, "t1", []contracts.Policy{
		policyDoc("p1", 1),
		policyDoc("p2", 1),
	}))
	require.NoError(t, r.Activate(ctx, "t1", []contracts.Policy{
		policyDoc("p2", 2),
	}))

	assert.Equal(t, int64(2), r.SetVersion("t1"))
	_, err := r.Get("t1", "p1")
	require.ErrorIs(t, err, ErrPolicyNotFound)

	p2, err := r.Get("t1", "p2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), p2.Version)
}

func TestActivateInvalidatesTenantCache(t *testing.T) {
	inv := &captureInvalidator{}
	r := newRegistry(t, Options{Invalidator: inv})

	require.NoError(t, r.Activate(context.Background(), "t1", []contracts.Policy{policyDoc("p1", 1)}))
	assert.Equal(t, []string{"t1"}, inv.tenants)
}

func TestActivateRejectsVersionRegress(t *testing.T) {
	r := newRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, r.Activate(ctx, "t1", []contracts.Policy{policyDoc("p1", 2)}))

	err := r.Activate(ctx, "t1", []contracts.Policy{policyDoc("p1", 1)})
	require.ErrorIs(t, err, ErrVersionRegress)
}

func TestActivateRejectsSilentContentChange(t *testing.T) {
	r := newRegistry(t, Options{})
	ctx := context.Background()

	require.NoError(t, r.Activate(ctx, "t1", []contracts.Policy{policyDoc("p1", 1)}))

	changed := policyDoc("p1", 1)
	changed.Rules[0].Action = contracts.ActionTerminate
	err := r.Activate(ctx, "t1", []contracts.Policy{changed})
	require.ErrorIs(t, err, ErrVersionRegress)

	// The same change with a version bump is fine.
	changed.Version = 2
	require.NoError(t, r.Activate(ctx, "t1", []contracts.Policy{changed}))
}

func TestActivateRejectsBadChecksum(t *testing.T) {
	r := newRegistry(t, Options{})

	p := policyDoc("p1", 1)
	p.Checksum = "deadbeef"
	err := r.Activate(context.Background(), "t1", []contracts.Policy{p})
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestActivateAcceptsDeclaredChecksum(t *testing.T) {
	r := newRegistry(t, Options{})

	p := policyDoc("p1", 1)
	sum, err := Checksum(p)
	require.NoError(t, err)
	p.Checksum = sum
	require.NoError(t, r.Activate(context.Background(), "t1", []contracts.Policy{p}))
}

func TestActivateSchemaVersionGate(t *testing.T) {
	r := newRegistry(t, Options{})
	ctx := context.Background()

	p := policyDoc("p1", 1)
	p.SchemaVersion = "1.4.0"
	require.NoError(t, r.Activate(ctx, "t1", []contracts.Policy{p}))

	p = policyDoc("p2", 1)
	p.SchemaVersion = "2.0.0"
	err := r.Activate(ctx, "t2", []contracts.Policy{p})
	require.ErrorIs(t, err, ErrSchemaVersion)

	p.SchemaVersion = "not-a-version"
	err = r.Activate(ctx, "t2", []contracts.Policy{p})
	require.ErrorIs(t, err, ErrSchemaVersion)
}

func TestActivateRejectsDuplicateIDs(t *testing.T) {
	r := newRegistry(t, Options{})
	err := r.Activate(context.Background(), "t1", []contracts.Policy{
		policyDoc("p1", 1),
		policyDoc("p1", 2),
	})
	require.Error(t, err)
}

func TestChecksumIgnoresVolatileFields(t *testing.T) {
	a := policyDoc("p1", 1)
	b := policyDoc("p1", 1)
	b.Checksum = "whatever"
	b.UpdatedAt = time.Now()

	sumA, err := Checksum(a)
	require.NoError(t, err)
	sumB, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, sumA, sumB)
}

func TestPoliciesForFiltersByTarget(t *testing.T) {
	r := newRegistry(t, Options{})
	ctx := context.Background()

	writes := policyDoc("writes", 1)
	writes.Target = contracts.PolicyTarget{IntentTypes: []string{"data.write"}}
	lowTrust := policyDoc("low-trust", 1)
	lowTrust.Target = contracts.PolicyTarget{Tiers: []contracts.TrustTier{contracts.TierT0, contracts.TierT1}}
	everything := policyDoc("everything", 1)

	require.NoError(t, r.Activate(ctx, "t1", []contracts.Policy{writes, lowTrust, everything}))

	got, err := r.PoliciesFor("t1", "data.read", contracts.TierT3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "everything", got[0].ID)

	got, err = r.PoliciesFor("t1", "data.write", contracts.TierT1)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestDeactivate(t *testing.T) {
	inv := &captureInvalidator{}
	r := newRegistry(t, Options{Invalidator: inv})
	ctx := context.Background()

	require.NoError(t, r.Activate(ctx, "t1", []contracts.Policy{policyDoc("p1", 1)}))
	require.NoError(t, r.Deactivate(ctx, "t1"))
	assert.Equal(t, []string{"t1", "t1"}, inv.tenants)

	require.ErrorIs(t, r.Deactivate(ctx, "t1"), ErrTenantNotFound)
}

func TestTemplateInstantiate(t *testing.T) {
	tpls := NewTemplateRegistry()
	require.NoError(t, tpls.Register(Template{
		Name:        "deny-writes",
		Description: "denies write intents",
		Policy:      policyDoc("", 0),
	}))

	p, err := tpls.Instantiate("deny-writes", "p9", "tenant-ns")
	require.NoError(t, err)
	assert.Equal(t, "p9", p.ID)
	assert.Equal(t, "tenant-ns", p.Namespace)
	assert.Equal(t, int64(1), p.Version)
	assert.Empty(t, p.Checksum)

	// Instantiated rules are copies of the template's.
	p.Rules[0].Action = contracts.ActionMonitor
	q, err := tpls.Instantiate("deny-writes", "p10", "tenant-ns")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionDeny, q.Rules[0].Action)

	_, err = tpls.Instantiate("missing", "p11", "ns")
	require.Error(t, err)
	_, err = tpls.Instantiate("deny-writes", "", "ns")
	require.Error(t, err)

	assert.Equal(t, []string{"deny-writes"}, tpls.Names())
}
