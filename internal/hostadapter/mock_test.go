package hostadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockHostAdapter_MultipathRebuildIsFullReplace(t *testing.T) {
	m := NewMockHostAdapter()
	ctx := context.Background()

	require.NoError(t, m.SetDefaultMultipath(ctx, []Nexthop{{Gateway: "10.0.0.1", Dev: "eth0", Weight: 2}}))
	require.Len(t, m.CurrentNexthops, 1)

	require.NoError(t, m.SetDefaultMultipath(ctx, []Nexthop{
		{Gateway: "10.0.0.1", Dev: "eth0", Weight: 2},
		{Gateway: "10.0.1.1", Dev: "eth1", Weight: 1},
	}))
	assert.Len(t, m.CurrentNexthops, 2, "expected full replace to 2 nexthops")
	assert.Equal(t, 2, m.MultipathCalls)
}

func TestMockHostAdapter_PolicyRuleAddIsIdempotent(t *testing.T) {
	m := NewMockHostAdapter()
	ctx := context.Background()
	sel := PolicySelector{IIF: "eth0", Priority: 100}

	require.NoError(t, m.AddPolicyRule(ctx, sel, 101))
	require.NoError(t, m.AddPolicyRule(ctx, sel, 101), "repeat add must succeed")
	assert.Len(t, m.PolicyRules[101], 1, "expected idempotent add")
}

func TestMockHostAdapter_DelPolicyRuleMissingIsSuccess(t *testing.T) {
	m := NewMockHostAdapter()
	assert.NoError(t, m.DelPolicyRule(context.Background(), PolicySelector{IIF: "eth9"}, 999), "deleting an absent rule must succeed")
}

func TestMockHostAdapter_InstallAndFlushTable(t *testing.T) {
	m := NewMockHostAdapter()
	ctx := context.Background()

	require.NoError(t, m.InstallUplinkTable(ctx, "eth0", 100, "10.0.0.1"))
	require.Equal(t, 1, m.TableCount())

	require.NoError(t, m.FlushUplinkTable(ctx, 100))
	assert.Equal(t, 0, m.TableCount())
}

func TestMockHostAdapter_ConntrackFlushRecorded(t *testing.T) {
	m := NewMockHostAdapter()
	require.NoError(t, m.FlushConntrackByIface(context.Background(), "eth0"))
	require.Len(t, m.FlushedIfaces, 1)
	assert.Equal(t, "eth0", m.FlushedIfaces[0])
}
