package meeting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeName_StripPronouns(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Sara Weisman (she/her)", "Sara Weisman"},
		{"Mark Van Horn (he/him)", "Mark Van Horn"},
		{"Alex Johnson (they/them)", "Alex Johnson"},
		{"Pat Smith (She/They)", "Pat Smith"},
		{"James Brown", "James Brown"},
		{"  John   Doe  ", "John Doe"},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, NormalizeName(tc.input))
		})
	}
}

func TestNormalizeName_HandlesEdgeCases(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"   ", ""},
		{"(she/her)", ""},
		{"Name (with) parens", "Name (with) parens"},
		{"José", "José"}, // decomposed accent is composed
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, NormalizeName(tc.input))
		})
	}
}

func TestFoldEmailAndDomain(t *testing.T) {
	assert.Equal(t, "ann@acme.com", FoldEmail("  Ann@ACME.com "))
	assert.Equal(t, "", FoldEmail(""))
	assert.Equal(t, "acme.com", DomainOf("Ann@ACME.com"))
	assert.Equal(t, "", DomainOf("no-at-sign"))
	assert.Equal(t, "", DomainOf("trailing@"))
	assert.Equal(t, "acme.com", FoldDomain(" @Acme.COM"))
}

func TestParticipantLabel(t *testing.T) {
	assert.Equal(t, "Ann (ann@acme.com)", Participant{Name: "Ann", Email: "ann@acme.com"}.Label())
	assert.Equal(t, "ann@acme.com", Participant{Email: "ann@acme.com"}.Label())
	assert.Equal(t, "Ann", Participant{Name: "Ann"}.Label())
}
