package mail

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// CleanEmail trims surrounding whitespace, drops characters that commonly
// sneak in from copy and paste, strips angle brackets and lowercases.
func CleanEmail(addr string) string {
	s := strings.TrimSpace(addr)
	s = strings.Trim(s, "<>\"'")
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00a0', ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	return strings.ToLower(s)
}

// ValidateEmail reports whether addr has the shape of a single address.
func ValidateEmail(addr string) bool {
	if addr == "" || len(addr) > 254 || strings.ContainsAny(addr, " ,;<>") {
		return false
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 || !strings.Contains(addr[at+1:], ".") {
		return false
	}
	return validatorInstance().Var(addr, "required,email") == nil
}

// EmailDomain returns the part after "@" for logging. Full addresses are
// never written to logs.
func EmailDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return "invalid"
	}
	return strings.ToLower(addr[at+1:])
}

// Domains maps a list of addresses to their distinct domains.
func Domains(addrs []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, a := range addrs {
		d := EmailDomain(a)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
