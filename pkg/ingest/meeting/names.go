package meeting

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Pronoun suffixes such as (she/her), (he/him), (they/them), (she/they).
var pronounPattern = regexp.MustCompile(`(?i)\s*\((?:she|he|they|ze|xe)(?:/(?:her|hers|him|his|them|theirs|they|she|he|ze|xe))*\)\s*$`)

// NormalizeName strips a trailing pronoun suffix, collapses whitespace and puts the
// name in NFC so visually identical names compare equal.
func NormalizeName(name string) string {
	name = pronounPattern.ReplaceAllString(name, "")
	name = strings.Join(strings.Fields(name), " ")
	return norm.NFC.String(name)
}

// FoldEmail trims and case-folds an email address.
func FoldEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}
	// cases.Caser is not safe for concurrent use.
	return cases.Fold().String(norm.NFC.String(email))
}

// DomainOf returns the folded part of email after the last "@", or "".
func DomainOf(email string) string {
	email = FoldEmail(email)
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}

// FoldDomain normalizes a domain given on the command line or in a query: "@Acme.COM "
// becomes "acme.com".
func FoldDomain(domain string) string {
	domain = strings.TrimPrefix(strings.TrimSpace(domain), "@")
	if domain == "" {
		return ""
	}
	return cases.Fold().String(domain)
}
