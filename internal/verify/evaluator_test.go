package verify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MarkusPolo/consoled/internal/model"
)

const showVlan = `sw1# show vlan brief
VLAN Name                             Status    Ports
---- -------------------------------- --------- -----
1    default                          active    Gi0/2
42   engineering                      active    Gi0/1
100  voice                            active
sw1#`

func TestEvaluateRegexMatch(t *testing.T) {
	res := Evaluate(model.CheckRegexMatch, `42\s+engineering`, showVlan)
	require.Equal(t, model.CheckPass, res.Status)
	require.Contains(t, res.Message, "Pattern matched")
	// evidence is the matched line with up to three lines either side
	require.Contains(t, res.Evidence, "42   engineering")
	require.Contains(t, res.Evidence, "VLAN Name")
	require.Contains(t, res.Evidence, "100  voice")
	require.Equal(t, showVlan, res.FullOutput)
}

func TestEvaluateRegexMatchFail(t *testing.T) {
	res := Evaluate(model.CheckRegexMatch, `999\s+missing`, showVlan)
	require.Equal(t, model.CheckFail, res.Status)
	require.Contains(t, res.Message, "Pattern not found")
	require.Equal(t, showVlan, res.Evidence) // short output fits the tail cap
}

func TestEvaluateRegexMatchFailTailCap(t *testing.T) {
	long := strings.Repeat("x", 2000)
	res := Evaluate(model.CheckRegexMatch, "nomatch", long)
	require.Equal(t, model.CheckFail, res.Status)
	require.Len(t, res.Evidence, 500)
}

func TestEvaluateRegexNotPresent(t *testing.T) {
	pass := Evaluate(model.CheckRegexNotPresent, `shutdown`, showVlan)
	require.Equal(t, model.CheckPass, pass.Status)
	require.Contains(t, pass.Message, "correctly absent")

	fail := Evaluate(model.CheckRegexNotPresent, `engineering`, showVlan)
	require.Equal(t, model.CheckFail, fail.Status)
	require.Contains(t, fail.Message, "Unwanted pattern found")
	require.Contains(t, fail.Evidence, "engineering")
}

func TestEvaluateRegexMultiline(t *testing.T) {
	// (?m) is implied, so ^/$ anchor per line
	res := Evaluate(model.CheckRegexMatch, `^100\s+voice`, showVlan)
	require.Equal(t, model.CheckPass, res.Status)
}

func TestEvaluateContains(t *testing.T) {
	res := Evaluate(model.CheckContains, "engineering", showVlan)
	require.Equal(t, model.CheckPass, res.Status)
	require.Contains(t, res.Evidence, "engineering")

	fail := Evaluate(model.CheckContains, "marketing", showVlan)
	require.Equal(t, model.CheckFail, fail.Status)
	require.Contains(t, fail.Message, "Text not found")
}

func TestEvaluateContainsEvidenceWindow(t *testing.T) {
	out := strings.Repeat("a", 300) + "NEEDLE" + strings.Repeat("b", 300)
	res := Evaluate(model.CheckContains, "NEEDLE", out)
	require.Equal(t, model.CheckPass, res.Status)
	// 100 chars either side of the match
	require.Len(t, res.Evidence, 100+len("NEEDLE")+100)
}

func TestEvaluateBadPatternIsErrorNotPanic(t *testing.T) {
	res := Evaluate(model.CheckRegexMatch, `[unclosed`, showVlan)
	require.Equal(t, model.CheckError, res.Status)
	require.Contains(t, res.Message, "invalid pattern")
}

func TestEvaluateUnknownCheckType(t *testing.T) {
	res := Evaluate(model.CheckType("fuzzy"), "x", showVlan)
	require.Equal(t, model.CheckError, res.Status)
}
