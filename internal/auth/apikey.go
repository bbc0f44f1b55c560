package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	apiKeyPrefixLength = 10
	apiKeySecretLength = 48
	apiKeyPrefix       = "mk-"
	alphabet           = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateAPIKey returns the random prefix, secret, and encoded token for a
// new ingest API key. The token goes into the service config; the prefix is
// what shows up in logs.
func GenerateAPIKey() (string, string, string, error) {
	prefix, err := randomString(apiKeyPrefixLength)
	if err != nil {
		return "", "", "", err
	}
	secret, err := randomString(apiKeySecretLength)
	if err != nil {
		return "", "", "", err
	}
	token := fmt.Sprintf("%s%s.%s", apiKeyPrefix, prefix, secret)
	return prefix, secret, token, nil
}

// KeyPrefix extracts the loggable prefix from a full token. Unknown shapes
// yield a short prefix of the raw value so log lines stay bounded.
func KeyPrefix(token string) string {
	trimmed := strings.TrimPrefix(token, apiKeyPrefix)
	if i := strings.IndexByte(trimmed, '.'); i > 0 {
		return trimmed[:i]
	}
	if len(trimmed) > apiKeyPrefixLength {
		return trimmed[:apiKeyPrefixLength]
	}
	return trimmed
}

func randomString(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
