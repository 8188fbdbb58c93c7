package naming

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// MinSecretLength is the floor for generated account secrets.
	MinSecretLength = 16

	lowercaseChars = "abcdefghijklmnopqrstuvwxyz"
	uppercaseChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars     = "0123456789"
	symbolChars    = "!@#$%^&*"
)

// SecretGenerator produces account secrets. The interface exists so the engine
// and auditor can be tested with a deterministic generator.
type SecretGenerator interface {
	GenerateSecret() (string, error)
}

type randomSecretGenerator struct {
	length int
}

// NewSecretGenerator returns a generator backed by crypto/rand. Lengths below
// MinSecretLength are raised to it.
func NewSecretGenerator(length int) SecretGenerator {
	if length < MinSecretLength {
		length = MinSecretLength
	}
	return &randomSecretGenerator{length: length}
}

// GenerateSecret draws a fresh secret containing at least one lowercase letter,
// one uppercase letter, one digit and one symbol. Secrets are never derived
// from the identity key and are distinct per call.
func (g *randomSecretGenerator) GenerateSecret() (string, error) {
	allChars := lowercaseChars + uppercaseChars + digitChars + symbolChars

	secret := make([]byte, 0, g.length)
	for _, charset := range []string{lowercaseChars, uppercaseChars, digitChars, symbolChars} {
		ch, err := randomChar(charset)
		if err != nil {
			return "", err
		}
		secret = append(secret, ch)
	}
	for len(secret) < g.length {
		ch, err := randomChar(allChars)
		if err != nil {
			return "", err
		}
		secret = append(secret, ch)
	}

	// Fisher-Yates so the guaranteed character classes are not positional.
	for i := len(secret) - 1; i > 0; i-- {
		j, err := randomIndex(i + 1)
		if err != nil {
			return "", err
		}
		secret[i], secret[j] = secret[j], secret[i]
	}

	return string(secret), nil
}

func randomChar(charset string) (byte, error) {
	index, err := randomIndex(len(charset))
	if err != nil {
		return 0, err
	}
	return charset[index], nil
}

func randomIndex(bound int) (int, error) {
	value, err := rand.Int(rand.Reader, big.NewInt(int64(bound)))
	if err != nil {
		return 0, fmt.Errorf("naming: secure random source failed: %w", err)
	}
	return int(value.Int64()), nil
}
