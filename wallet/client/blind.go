package client

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/multinut/cashu"
	"github.com/elnosh/multinut/crypto"
)

// outputs holds the blinded messages sent to the mint together with the
// secrets and blinding factors needed to unblind the signatures.
type outputs struct {
	messages cashu.BlindedMessages
	secrets  []string
	rs       []*secp256k1.PrivateKey
}

func newSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(secretBytes), nil
}

// createBlindedMessages creates one blinded message for each of the
// amounts in the split of amount.
func createBlindedMessages(keysetId string, amount uint64) (*outputs, error) {
	return blindAmounts(keysetId, cashu.AmountSplit(amount))
}

// createBlankOutputs creates the outputs for the change of a melt.
// The mint assigns the amounts so all of them are set to 1.
// See https://github.com/cashubtc/nuts/blob/main/08.md
func createBlankOutputs(keysetId string, feeReserve uint64) (*outputs, error) {
	if feeReserve == 0 {
		return &outputs{}, nil
	}
	count := bits.Len64(feeReserve - 1)
	if count == 0 {
		count = 1
	}
	amounts := make([]uint64, count)
	for i := range amounts {
		amounts[i] = 1
	}
	return blindAmounts(keysetId, amounts)
}

func blindAmounts(keysetId string, amounts []uint64) (*outputs, error) {
	out := &outputs{
		messages: make(cashu.BlindedMessages, len(amounts)),
		secrets:  make([]string, len(amounts)),
		rs:       make([]*secp256k1.PrivateKey, len(amounts)),
	}

	for i, amount := range amounts {
		secret, err := newSecret()
		if err != nil {
			return nil, err
		}
		B_, r, err := crypto.BlindSecret(secret)
		if err != nil {
			return nil, err
		}
		out.messages[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		out.secrets[i] = secret
		out.rs[i] = r
	}

	return out, nil
}

// constructProofs unblinds the signatures from the mint. Signatures are
// matched to the outputs by position.
func constructProofs(
	signatures cashu.BlindedSignatures,
	out *outputs,
	keys map[uint64]*secp256k1.PublicKey,
) (cashu.Proofs, error) {
	if len(signatures) > len(out.secrets) {
		return nil, errors.New("mint returned more signatures than outputs")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, ok := keys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("no public key for amount %v", signature.Amount)
		}
		C := crypto.UnblindSignature(C_, out.rs[i], K)

		proof := cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: out.secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
		if signature.DLEQ != nil {
			proof.DLEQ = &cashu.DLEQProof{
				E: signature.DLEQ.E,
				S: signature.DLEQ.S,
				R: hex.EncodeToString(out.rs[i].Serialize()),
			}
		}
		proofs[i] = proof
	}

	return proofs, nil
}
