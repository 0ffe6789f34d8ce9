package randstr

import (
	"crypto/rand"
	"math/big"
)

type generator struct {
	charset []byte
}

func New(charset []byte) *generator {
	return &generator{charset: charset}
}

func (g generator) GenerateRandomString(length int) string {
	b := make([]byte, length)
	max := big.NewInt(int64(len(g.charset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			panic(err)
		}
		b[i] = g.charset[n.Int64()]
	}

	return string(b)
}
