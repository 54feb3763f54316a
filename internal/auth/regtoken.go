package auth

import (
	"crypto/rand"
	"math/big"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RegistrationTokenLength is the size of values returned by
// NewRegistrationToken.
const RegistrationTokenLength = 32

// RandomID returns n characters drawn uniformly from [A-Za-z0-9].
func RandomID(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphanumeric[idx.Int64()]
	}
	return string(out), nil
}

func NewRegistrationToken() (string, error) {
	return RandomID(RegistrationTokenLength)
}
