package utils

import (
	"strings"
	"time"
)

// DateLayout is the backend's calendar date format.
const DateLayout = "2006-01-02"

// NormalizeString trims whitespace and normalizes string input
func NormalizeString(s string) string {
	return strings.TrimSpace(s)
}

// StringOr returns the normalized value, or fallback when it is empty.
func StringOr(s, fallback string) string {
	if s = NormalizeString(s); s == "" {
		return fallback
	}
	return s
}

// IsValidDate reports whether s is a YYYY-MM-DD calendar date.
func IsValidDate(s string) bool {
	_, err := time.Parse(DateLayout, NormalizeString(s))
	return err == nil
}

// HostWithin reports whether host equals domain or is a subdomain of it.
func HostWithin(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
