package ghscm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentor/agentor/internal/plugin"
)

func prFromJSON(t *testing.T, raw string) *ghPR {
	t.Helper()
	var pr ghPR
	require.NoError(t, json.Unmarshal([]byte(raw), &pr))
	return &pr
}

func TestSummarizeChecksFailureWins(t *testing.T) {
	pr := prFromJSON(t, `{"statusCheckRollup":[
		{"status":"COMPLETED","conclusion":"SUCCESS"},
		{"status":"IN_PROGRESS"},
		{"status":"COMPLETED","conclusion":"FAILURE"}
	]}`)
	assert.Equal(t, plugin.CIFailing, summarizeChecks(pr))
}

func TestSummarizeChecksPending(t *testing.T) {
	pr := prFromJSON(t, `{"statusCheckRollup":[
		{"status":"COMPLETED","conclusion":"SUCCESS"},
		{"status":"QUEUED"}
	]}`)
	assert.Equal(t, plugin.CIPending, summarizeChecks(pr))
}

func TestSummarizeChecksLegacyStatusContext(t *testing.T) {
	// Commit statuses report state instead of status/conclusion.
	pr := prFromJSON(t, `{"statusCheckRollup":[{"state":"ERROR"}]}`)
	assert.Equal(t, plugin.CIFailing, summarizeChecks(pr))

	pr = prFromJSON(t, `{"statusCheckRollup":[{"state":"PENDING"}]}`)
	assert.Equal(t, plugin.CIPending, summarizeChecks(pr))
}

func TestSummarizeChecksNoChecksIsPassing(t *testing.T) {
	assert.Equal(t, plugin.CIPassing, summarizeChecks(&ghPR{}))
}
