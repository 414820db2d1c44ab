package util

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const (
	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	ShortIDLen = 10
	LongIDLen  = 40
)

var alphabetSize = big.NewInt(int64(len(idAlphabet)))

// GenPasteID returns a random id drawn from crypto/rand. Ids are not checked
// against existing pastes: at 62^10 combinations a collision is not expected
// within the lifetime of a deployment.
func GenPasteID(long bool) (string, error) {
	n := ShortIDLen
	if long {
		n = LongIDLen
	}
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		buf[i] = idAlphabet[idx.Int64()]
	}
	return string(buf), nil
}
