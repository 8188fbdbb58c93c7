package naming

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

const (
	// DatabasePrefix and AccountPrefix are fixed so the auditor can recompute
	// expected resource names from an identity key alone.
	DatabasePrefix = "db_"
	AccountPrefix  = "user_"

	maxIdentityKeyLength = 50
	maxIdentifierLength  = 64
	maxHostLength        = 255
)

var (
	ErrEmptyIdentityKey   = errors.New("naming: identity key is empty")
	ErrIdentityKeyTooLong = errors.New("naming: identity key exceeds maximum length")
	ErrIdentityKeyFormat  = errors.New("naming: identity key contains invalid characters")
)

// ValidateIdentityKey checks the externally supplied identity key against the
// fixed format predicate: 1..50 characters, letters, digits and underscore,
// starting and ending with a letter or digit.
func ValidateIdentityKey(identityKey string) error {
	if identityKey == "" {
		return ErrEmptyIdentityKey
	}
	if len(identityKey) > maxIdentityKeyLength {
		return ErrIdentityKeyTooLong
	}
	for _, r := range identityKey {
		if !isAlphanumeric(r) && r != '_' {
			return ErrIdentityKeyFormat
		}
	}
	if !isAlphanumeric(rune(identityKey[0])) || !isAlphanumeric(rune(identityKey[len(identityKey)-1])) {
		return ErrIdentityKeyFormat
	}
	return nil
}

// Derive maps an identity key to its deterministic database and account names.
// It is pure: the same key always yields the same pair.
func Derive(identityKey string) (databaseName string, accountName string) {
	return DatabasePrefix + identityKey, AccountPrefix + identityKey
}

// IdentityKeyFromDatabase inverts Derive for database names produced by it.
// The second return value is false when the name does not match the scheme.
func IdentityKeyFromDatabase(databaseName string) (string, bool) {
	if !strings.HasPrefix(databaseName, DatabasePrefix) || len(databaseName) == len(DatabasePrefix) {
		return "", false
	}
	identityKey := strings.TrimPrefix(databaseName, DatabasePrefix)
	if err := ValidateIdentityKey(identityKey); err != nil {
		return "", false
	}
	return identityKey, true
}

// IdentityKeyFromAccount inverts Derive for account names produced by it.
func IdentityKeyFromAccount(accountName string) (string, bool) {
	if !strings.HasPrefix(accountName, AccountPrefix) || len(accountName) == len(AccountPrefix) {
		return "", false
	}
	identityKey := strings.TrimPrefix(accountName, AccountPrefix)
	if err := ValidateIdentityKey(identityKey); err != nil {
		return "", false
	}
	return identityKey, true
}

// ValidateIdentifier guards every derived name before it is ever placed in a
// statement. Identifiers must start with a letter or underscore and contain
// only letters, digits and underscore; database and account names derived from
// a valid identity key start with their fixed prefix and always pass.
func ValidateIdentifier(identifier string) error {
	if identifier == "" || len(identifier) > maxIdentifierLength {
		return fmt.Errorf("naming: identifier %q has invalid length", identifier)
	}
	first := rune(identifier[0])
	if !isLetter(first) && first != '_' {
		return fmt.Errorf("naming: identifier %q must start with a letter or underscore", identifier)
	}
	for _, r := range identifier {
		if !isAlphanumeric(r) && r != '_' {
			return fmt.Errorf("naming: identifier %q contains invalid characters", identifier)
		}
	}
	return nil
}

// ValidateHost checks the host pattern accounts are restricted to. The "%"
// wildcard is only accepted when devMode is set.
func ValidateHost(host string, devMode bool) error {
	if host == "" || len(host) > maxHostLength {
		return fmt.Errorf("naming: host %q has invalid length", host)
	}
	if host == "%" {
		if devMode {
			return nil
		}
		return errors.New("naming: wildcard host % is not allowed outside dev mode")
	}
	if host == "localhost" {
		return nil
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	return validateHostname(host)
}

func validateHostname(hostname string) error {
	if len(hostname) > 253 {
		return fmt.Errorf("naming: hostname %q is too long", hostname)
	}
	if strings.HasPrefix(hostname, ".") || strings.HasSuffix(hostname, ".") ||
		strings.HasPrefix(hostname, "-") || strings.HasSuffix(hostname, "-") ||
		strings.Contains(hostname, "..") {
		return fmt.Errorf("naming: hostname %q is malformed", hostname)
	}
	for _, r := range hostname {
		if !isAlphanumeric(r) && r != '.' && r != '-' {
			return fmt.Errorf("naming: hostname %q contains invalid characters", hostname)
		}
	}
	return nil
}

func isAlphanumeric(r rune) bool {
	return isLetter(r) || (r >= '0' && r <= '9')
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}
