// Package testutils has the helpers shared by the wallet tests: an
// in-process fake mint and proof generators.
package testutils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/crypto"
	"github.com/sirupsen/logrus"
)

func GenerateRandomBytes() ([]byte, error) {
	randomBytes := make([]byte, 32)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return nil, err
	}
	return randomBytes, nil
}

func randomSecret() string {
	secret, err := GenerateRandomBytes()
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(secret)
}

// Proofs returns proofs with random secrets for the amounts. They are
// not signed by any mint.
func Proofs(keysetId string, amounts ...uint64) cashu.Proofs {
	proofs := make(cashu.Proofs, len(amounts))
	for i, amount := range amounts {
		proofs[i] = cashu.Proof{
			Amount: amount,
			Id:     keysetId,
			Secret: randomSecret(),
			C:      "02698c4e2b5f9534cd0687d87513c759790cf829aa5739184a3e3735471fbda904",
		}
	}
	return proofs
}

// SignedProofs returns proofs for the amount with valid signatures
// from the keyset.
func SignedProofs(keyset *crypto.MintKeyset, amount uint64) cashu.Proofs {
	amounts := cashu.AmountSplit(amount)
	proofs := make(cashu.Proofs, len(amounts))
	for i, amt := range amounts {
		secret := randomSecret()
		Y := crypto.HashToCurve([]byte(secret))
		C := crypto.SignBlindedMessage(Y, keyset.Keys[amt].PrivateKey)
		proofs[i] = cashu.Proof{
			Amount: amt,
			Id:     keyset.Id,
			Secret: secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

// QuietLogger discards everything below panic level.
func QuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}
