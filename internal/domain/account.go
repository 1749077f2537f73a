package domain

import (
	"fmt"
	"strings"
	"time"
)

// Account is an email-sending identity enrolled in a spamcheck.
type Account struct {
	ID          int64     `json:"id" db:"id"`
	SpamcheckID int64     `json:"spamcheck_id" db:"spamcheck_id"`
	Email       string    `json:"email" db:"email"`
	LastTag     string    `json:"last_tag" db:"last_tag"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Domain returns the lower-cased domain part of the account email.
func (a Account) Domain() string {
	return EmailDomain(a.Email)
}

// EmailDomain extracts the domain of an address, or "" when malformed.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail performs the shape check used when enrolling accounts.
func ValidateEmail(email string) error {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return fmt.Errorf("invalid email address %q", email)
	}
	if !strings.Contains(email[at+1:], ".") {
		return fmt.Errorf("invalid email domain in %q", email)
	}
	return nil
}

// DedupByDomain keeps the first account of every domain, preserving order.
func DedupByDomain(accounts []Account) []Account {
	seen := make(map[string]bool, len(accounts))
	out := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		d := a.Domain()
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, a)
	}
	return out
}

// GroupByDomain groups accounts by domain, preserving enrollment order inside groups.
func GroupByDomain(accounts []Account) map[string][]Account {
	groups := make(map[string][]Account)
	for _, a := range accounts {
		d := a.Domain()
		groups[d] = append(groups[d], a)
	}
	return groups
}
