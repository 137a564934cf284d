package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanEmail(t *testing.T) {
	cases := map[string]string{
		"  Alice@Example.ORG ":     "alice@example.org",
		"<bob@example.org>":        "bob@example.org",
		"carol@exa\u200bmple.org":   "carol@example.org",
		"\"dave@example.org\"":     "dave@example.org",
		"erin@example.org\r\n":     "erin@example.org",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanEmail(in), "input %q", in)
	}
}

func TestValidateEmail(t *testing.T) {
	valid := []string{"a@example.org", "first.last+tag@sub.example.de"}
	invalid := []string{"", "plainaddress", "@example.org", "a@", "a@localhost", "a b@example.org", "a@example.org,b@example.org"}

	for _, e := range valid {
		assert.True(t, ValidateEmail(e), e)
	}
	for _, e := range invalid {
		assert.False(t, ValidateEmail(e), e)
	}
}

func TestEmailDomain(t *testing.T) {
	assert.Equal(t, "example.org", EmailDomain("someone@Example.org"))
	assert.Equal(t, "invalid", EmailDomain("nobody"))
	assert.Equal(t, []string{"a.org", "b.org"}, Domains([]string{"x@a.org", "y@b.org", "z@a.org"}))
}
