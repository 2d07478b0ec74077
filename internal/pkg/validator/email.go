package validator

import (
	"errors"
	"strings"
)

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func IsValidEmail(email string) error {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errors.New("invalid email format")
	}
	if !strings.Contains(parts[1], ".") {
		return errors.New("invalid email domain")
	}
	return nil
}

// NormalizeMemberSet lowercases, dedupes and validates a desired-member list.
// The admin email never belongs in the set; it holds the implicit admin seat.
func NormalizeMemberSet(emails []string, adminEmail string) []string {
	admin := NormalizeEmail(adminEmail)
	seen := make(map[string]struct{}, len(emails))
	result := make([]string, 0, len(emails))

	for _, raw := range emails {
		email := NormalizeEmail(raw)
		if email == "" || email == admin {
			continue
		}
		if err := IsValidEmail(email); err != nil {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		result = append(result, email)
	}
	return result
}

// Contains reports whether the set holds email, case-insensitively.
func Contains(set []string, email string) bool {
	email = NormalizeEmail(email)
	for _, e := range set {
		if NormalizeEmail(e) == email {
			return true
		}
	}
	return false
}
