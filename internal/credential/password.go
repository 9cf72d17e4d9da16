package credential

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"opsdeck.io/internal/identity"
)

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyHash compares a plaintext password with a stored bcrypt hash.
func VerifyHash(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// ValidatePolicy checks the candidate password against a company policy.
// The returned error wraps ErrPolicyViolation and names the first failure.
func ValidatePolicy(policy identity.PasswordPolicy, password string) error {
	minLen := policy.MinLength
	if minLen <= 0 {
		minLen = 8
	}
	if len(password) < minLen {
		return fmt.Errorf("%w: at least %d characters required", ErrPolicyViolation, minLen)
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	if policy.RequireUpper && !hasUpper {
		return fmt.Errorf("%w: an uppercase letter is required", ErrPolicyViolation)
	}
	if policy.RequireLower && !hasLower {
		return fmt.Errorf("%w: a lowercase letter is required", ErrPolicyViolation)
	}
	if policy.RequireDigit && !hasDigit {
		return fmt.Errorf("%w: a digit is required", ErrPolicyViolation)
	}
	if policy.RequireSymbol && !hasSymbol {
		return fmt.Errorf("%w: a symbol is required", ErrPolicyViolation)
	}
	if strings.TrimSpace(password) != password {
		return fmt.Errorf("%w: leading or trailing whitespace", ErrPolicyViolation)
	}
	return nil
}
