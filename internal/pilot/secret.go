package pilot

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"

	"github.com/pkg/errors"
)

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateSecret returns n random alphanumeric characters.
func GenerateSecret(n int) (string, error) {
	if n <= 0 {
		return "", errors.Errorf("invalid secret length %d", n)
	}
	limit := big.NewInt(int64(len(secretAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", errors.Wrap(err, "unable to read random source")
		}
		out[i] = secretAlphabet[idx.Int64()]
	}
	return string(out), nil
}

// CheckSecret compares in constant time.
func CheckSecret(secret, candidate string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(candidate)) == 1
}
