package security

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateLicenseKey returns a random key of the form KEY-XXXX-XXXX-XXXX-XXXX
func GenerateLicenseKey() (string, error) {
	var b strings.Builder
	b.WriteString("KEY")
	max := big.NewInt(int64(len(keyAlphabet)))
	for group := 0; group < 4; group++ {
		b.WriteByte('-')
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", err
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
	}
	return b.String(), nil
}
