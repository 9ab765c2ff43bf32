package advisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDecisionJSON = `{"decisions":[{"coin":"BTCUSDT","action":"buy_to_enter","confidence":0.75,"reasoning":"Momentum and trend alignment favor a long entry with tight invalidation below support.","risk_usd":100,"leverage":10,"stop_loss_pct":0.02}]}`

func TestParseResponseDirect(t *testing.T) {
	resp, stage, err := ParseResponse(validDecisionJSON)
	require.NoError(t, err)
	assert.Equal(t, ParseDirect, stage)
	require.Len(t, resp.Decisions, 1)
	assert.Equal(t, "BTCUSDT", resp.Decisions[0].Coin)
	assert.Equal(t, 0.75, resp.Decisions[0].Confidence)
}

func TestParseResponseFencedBlock(t *testing.T) {
	content := "Here is my analysis:\n```json\n" + validDecisionJSON + "\n```\nGood luck!"
	resp, stage, err := ParseResponse(content)
	require.NoError(t, err)
	assert.Equal(t, ParseFenced, stage)
	assert.Len(t, resp.Decisions, 1)
}

func TestParseResponseBareFence(t *testing.T) {
	content := "```\n" + validDecisionJSON + "\n```"
	resp, stage, err := ParseResponse(content)
	require.NoError(t, err)
	assert.Equal(t, ParseFenced, stage)
	assert.Len(t, resp.Decisions, 1)
}

func TestParseResponseBalancedSubstring(t *testing.T) {
	content := "After careful thought I conclude: " + validDecisionJSON + " — that is my final answer."
	resp, stage, err := ParseResponse(content)
	require.NoError(t, err)
	assert.Equal(t, ParseBalanced, stage)
	assert.Len(t, resp.Decisions, 1)
}

func TestParseResponseBalancedHandlesBracesInStrings(t *testing.T) {
	content := `prose {"decisions":[{"coin":"BTCUSDT","action":"hold","confidence":0.5,"reasoning":"Ranges look like {sideways} consolidation, so no edge either way; staying flat this cycle.","risk_usd":0,"leverage":0,"stop_loss_pct":0}]} trailing`
	resp, _, err := ParseResponse(content)
	require.NoError(t, err)
	assert.Len(t, resp.Decisions, 1)
}

func TestParseResponseTolerantRepairs(t *testing.T) {
	// Trailing comma plus unquoted keys.
	content := `{decisions: [{coin: "BTCUSDT", action: "hold", confidence: 0.5, reasoning: "No clear directional edge in current data so the position book stays unchanged for now.", risk_usd: 0, leverage: 0, stop_loss_pct: 0,}]}`
	resp, stage, err := ParseResponse(content)
	require.NoError(t, err)
	assert.Equal(t, ParseTolerant, stage)
	assert.Len(t, resp.Decisions, 1)
}

func TestParseResponseFailures(t *testing.T) {
	for _, content := range []string{
		"",
		"I cannot make a decision right now.",
		`{"foo": "bar"}`,
		"```json\nnot json\n```",
	} {
		_, _, err := ParseResponse(content)
		assert.Error(t, err, "content %q must not parse", content)
	}
}

func TestParseResponseEmptyDecisionList(t *testing.T) {
	resp, _, err := ParseResponse(`{"decisions":[]}`)
	require.NoError(t, err)
	assert.Empty(t, resp.Decisions)
}
