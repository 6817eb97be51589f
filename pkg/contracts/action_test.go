package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMostRestrictive(t *testing.T) {
	cases := []struct {
		name string
		in   []ControlAction
		want ControlAction
	}{
		{"empty defaults to allow", nil, ActionAllow},
		{"deny beats everything", []ControlAction{ActionAllow, ActionLimit, ActionDeny}, ActionDeny},
		{"terminate beats escalate", []ControlAction{ActionEscalate, ActionTerminate}, ActionTerminate},
		{"limit beats monitor", []ControlAction{ActionMonitor, ActionLimit, ActionAllow}, ActionLimit},
		{"single", []ControlAction{ActionMonitor}, ActionMonitor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MostRestrictive(tc.in))
		})
	}
}

func TestControlActionValid(t *testing.T) {
	for _, a := range []ControlAction{ActionAllow, ActionDeny, ActionLimit, ActionMonitor, ActionEscalate, ActionTerminate} {
		assert.True(t, a.Valid(), a)
	}
	assert.False(t, ControlAction("maybe").Valid())
	assert.Equal(t, -1, ControlAction("maybe").Priority())
}

func TestTierAndRoleStrings(t *testing.T) {
	assert.Equal(t, "T0", TierT0.String())
	assert.Equal(t, "T5", TierT5.String())
	assert.Equal(t, "T?", TrustTier(9).String())
	assert.Equal(t, "R-L8", RoleL8.String())
	assert.Equal(t, "R-L?", AgentRole(12).String())
}

func TestPolicyTargetMatches(t *testing.T) {
	target := PolicyTarget{IntentTypes: []string{"data.read"}, Tiers: []TrustTier{TierT3, TierT4}}
	assert.True(t, target.Matches("data.read", TierT3))
	assert.False(t, target.Matches("data.write", TierT3))
	assert.False(t, target.Matches("data.read", TierT1))

	assert.True(t, PolicyTarget{}.Matches("anything", TierT0))
}

func TestEscalationStatusTerminal(t *testing.T) {
	assert.False(t, EscalationPending.Terminal())
	for _, s := range []EscalationStatus{EscalationApproved, EscalationRejected, EscalationTimedOut, EscalationCancelled} {
		assert.True(t, s.Terminal(), s)
	}
}
