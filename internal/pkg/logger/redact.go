package logger

import "strings"

// RedactEmail keeps the first two characters of the local part and the
// domain of an account address, which is enough to tell accounts of one
// spamcheck apart in logs: "john.doe@example.com" becomes "jo***@example.com".
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		local = ""
	}
	return local[:min(len(local), 2)] + "***@" + domain
}
