package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrdinalIndex(t *testing.T) {
	cases := []struct {
		msg  string
		idx  int
		want bool
	}{
		{"2", 2, true},
		{" 2 ", 2, true},
		{"2nd", 2, true},
		{"3rd", 3, true},
		{"the second one", 2, true},
		{"Second", 2, true},
		{"option 3", 3, true},
		{"number 10", 10, true},
		{"0", 0, false},
		{"second thoughts", 0, false},
		{"show me 2 emails", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		idx, ok := OrdinalIndex(tc.msg)
		assert.Equal(t, tc.want, ok, "msg=%q", tc.msg)
		if tc.want {
			assert.Equal(t, tc.idx, idx, "msg=%q", tc.msg)
		}
	}
}

func TestIsShortFollowUp(t *testing.T) {
	assert.True(t, IsShortFollowUp("1"))
	assert.True(t, IsShortFollowUp("yes"))
	assert.True(t, IsShortFollowUp("next"))
	assert.True(t, IsShortFollowUp("the third one"))
	assert.False(t, IsShortFollowUp("how many invoices do I have"))
	assert.False(t, IsShortFollowUp(""))
}

func TestNumberedListSize(t *testing.T) {
	text := "Here you go:\n1. Alpha\n2. Beta\n3) Gamma\n"
	assert.Equal(t, 3, NumberedListSize(text))
	assert.Equal(t, 0, NumberedListSize("no list here"))
}

func TestParseDecision(t *testing.T) {
	d := ParseDecision("ACTION: route_to_node\nRESOURCE: mail\nREASON: email domain")
	assert.Equal(t, ActionRouteToNode, d.Action)
	assert.Equal(t, "mail", d.Resource)
	assert.Equal(t, "email domain", d.Reason)

	d = ParseDecision("action: Conversational\nresource: none\nreason: greeting")
	assert.Equal(t, ActionConversational, d.Action)
	assert.Empty(t, d.Resource)

	// Unrecognized actions fall back to the knowledge search.
	d = ParseDecision("ACTION: summon_wizard\nRESOURCE: none\nREASON: why not")
	assert.Equal(t, ActionSearchKnowledge, d.Action)

	d = ParseDecision("I think we should just chat about it")
	assert.Equal(t, ActionSearchKnowledge, d.Action)
}

func TestParsePolicyToken(t *testing.T) {
	assert.Equal(t, PolicyContinue, ParsePolicyToken("CONTINUE").Outcome)
	assert.Equal(t, PolicyLocal, ParsePolicyToken("LOCAL").Outcome)

	r := ParsePolicyToken("RE_ROUTE:billing")
	assert.Equal(t, PolicyReRoute, r.Outcome)
	assert.Equal(t, "billing", r.Slug)

	r = ParsePolicyToken("I would say RE_ROUTE:billing, given the topic.")
	assert.Equal(t, "billing", r.Slug)

	// Unknown tokens keep the session routed.
	assert.Equal(t, PolicyContinue, ParsePolicyToken("maybe?").Outcome)
}
