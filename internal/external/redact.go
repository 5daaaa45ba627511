package external

import "strings"

// RedactEmail masks the local part of an address for logging:
// "juan@example.com" becomes "j***@example.com". Values without a domain
// are masked entirely.
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || domain == "" {
		return "***"
	}
	if local == "" {
		return "***@" + domain
	}
	r := []rune(local)
	return string(r[0]) + "***@" + domain
}
