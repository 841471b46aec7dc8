// Package testutil supplies the random-value/validator-set/signing helpers
// every domain package's tests need. It is shared across round/votekeeper/
// proposal/driver/cert/wal tests rather than split one-per-package, since
// every package's tests need the same handful of primitives: a ValidatorSet
// with real signing keys, and a random Value.
package testutil

import (
	"crypto/ecdsa"
	"fmt"
	"math/rand"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/renproject/tendermint-core/sign"
	"github.com/renproject/tendermint-core/types"
)

// RandomValue returns a Value wrapping 32 random bytes.
func RandomValue(r *rand.Rand) types.Value {
	buf := make([]byte, 32)
	_, _ = r.Read(buf)
	return types.NewValue(buf)
}

// RandomRound returns a random non-negative Round in [0, 16).
func RandomRound(r *rand.Rand) types.Round {
	return types.Round(r.Intn(16))
}

// Validator bundles a Validator's public identity with the private key
// needed to sign as it, for tests that need to produce valid signatures.
type Validator struct {
	PrivKey *ecdsa.PrivateKey
	Signer  *sign.ECDSAProvider
	Address types.Address
}

// NewValidators builds one Validator per entry of powers, with that voting
// power, plus a ValidatorSet built from their public identities, in the
// same order as powers.
func NewValidators(powers []int64) ([]Validator, *types.ValidatorSet) {
	validators := make([]Validator, len(powers))
	typesValidators := make([]types.Validator, len(powers))
	for i, power := range powers {
		privKey, err := crypto.GenerateKey()
		if err != nil {
			panic(fmt.Errorf("testutil: cannot generate key: %v", err))
		}
		signer := sign.NewECDSAProvider(privKey)
		validators[i] = Validator{PrivKey: privKey, Signer: signer, Address: signer.Signatory()}
		typesValidators[i] = types.NewValidator(signer.Signatory(), privKey.PublicKey, power)
	}
	return validators, types.NewValidatorSet(typesValidators)
}

// EqualVotingPower is a convenience power vector for n validators of weight 1.
func EqualVotingPower(n int) []int64 {
	powers := make([]int64, n)
	for i := range powers {
		powers[i] = 1
	}
	return powers
}

// SignVote signs vote as validators[i], panicking on error (tests only).
func SignVote(validators []Validator, i int, vote types.Vote) types.SignedVote {
	signed, err := validators[i].Signer.SignVote(vote)
	if err != nil {
		panic(fmt.Errorf("testutil: cannot sign vote: %v", err))
	}
	return signed
}

// SignProposal signs proposal as validators[i], panicking on error (tests only).
func SignProposal(validators []Validator, i int, proposal types.Proposal) types.SignedProposal {
	signed, err := validators[i].Signer.SignProposal(proposal)
	if err != nil {
		panic(fmt.Errorf("testutil: cannot sign proposal: %v", err))
	}
	return signed
}
