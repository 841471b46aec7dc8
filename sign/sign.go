// Package sign provides the abstract signing/verification capability the
// consensus core consumes without ever naming a concrete key type, plus
// one concrete implementation: ECDSA over secp256k1 via go-ethereum's
// crypto package, with domain-separated SHA3-256 sig-hashes.
package sign

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/renproject/id"
	"golang.org/x/crypto/sha3"

	"github.com/renproject/tendermint-core/types"
)

// Provider is the abstract signing/verification capability consumed by the
// consensus Engine (package cert verifies through the free VerifyVote
// function instead). Concrete hosts supply one
// implementation per validator key; Verifier-only hosts (verifying other
// validators' signatures) never need the Sign half.
type Provider interface {
	Signatory() types.Address
	SignVote(vote types.Vote) (types.SignedVote, error)
	SignProposal(proposal types.Proposal) (types.SignedProposal, error)
	VerifyVote(signed types.SignedVote) error
	VerifyProposal(signed types.SignedProposal) error
}

// ECDSAProvider implements Provider with a secp256k1 private key: hash the
// domain-separated string form of the message with SHA3-256, sign/recover
// with go-ethereum's crypto package, and compare the recovered Signatory.
type ECDSAProvider struct {
	privKey   *ecdsa.PrivateKey
	signatory types.Address
}

// NewECDSAProvider derives the Signatory from the private key's public half
// with id.NewSignatory.
func NewECDSAProvider(privKey *ecdsa.PrivateKey) *ECDSAProvider {
	return &ECDSAProvider{
		privKey:   privKey,
		signatory: id.NewSignatory(privKey.PublicKey),
	}
}

// Signatory returns the Address this Provider signs as.
func (p *ECDSAProvider) Signatory() types.Address {
	return p.signatory
}

// VoteSigHash computes the domain-separated hash of a Vote's contents:
// SHA3-256 over the Vote's canonical string form.
func VoteSigHash(vote types.Vote) id.Hash {
	return sha3.Sum256([]byte(fmt.Sprintf(
		"Vote(Type=%v,Height=%v,Round=%v,Value=%v,From=%v)",
		vote.Type, vote.Height, vote.Round, vote.ValueID, vote.ValidatorAddress,
	)))
}

// ProposalSigHash computes the domain-separated hash of a Proposal's contents.
func ProposalSigHash(proposal types.Proposal) id.Hash {
	return sha3.Sum256([]byte(proposal.String()))
}

// SignVote signs a Vote with the Provider's private key.
func (p *ECDSAProvider) SignVote(vote types.Vote) (types.SignedVote, error) {
	vote.ValidatorAddress = p.signatory
	sigHash := VoteSigHash(vote)
	sig, err := crypto.Sign(sigHash[:], p.privKey)
	if err != nil {
		return types.SignedVote{}, fmt.Errorf("cannot sign vote: %w", err)
	}
	signed := types.SignedVote{Vote: vote}
	copy(signed.Signature[:], sig)
	return signed, nil
}

// SignProposal signs a Proposal with the Provider's private key.
func (p *ECDSAProvider) SignProposal(proposal types.Proposal) (types.SignedProposal, error) {
	proposal.ProposerAddress = p.signatory
	sigHash := ProposalSigHash(proposal)
	sig, err := crypto.Sign(sigHash[:], p.privKey)
	if err != nil {
		return types.SignedProposal{}, fmt.Errorf("cannot sign proposal: %w", err)
	}
	signed := types.SignedProposal{Proposal: proposal}
	copy(signed.Signature[:], sig)
	return signed, nil
}

// VerifyVote recovers the public key from the signature and checks that it
// hashes to the claimed validator address.
func (p *ECDSAProvider) VerifyVote(signed types.SignedVote) error {
	return VerifyVote(signed)
}

// VerifyProposal recovers the public key from the signature and checks that
// it hashes to the claimed proposer address.
func (p *ECDSAProvider) VerifyProposal(signed types.SignedProposal) error {
	return VerifyProposal(signed)
}

// VerifyVote is the free-function form, usable by any component (e.g.
// package cert) that only needs to verify, not sign.
func VerifyVote(signed types.SignedVote) error {
	sigHash := VoteSigHash(signed.Vote)
	pubKey, err := crypto.SigToPub(sigHash[:], signed.Signature[:])
	if err != nil {
		return fmt.Errorf("cannot recover signer: %w", err)
	}
	signatory := id.NewSignatory(*pubKey)
	if signatory != signed.Vote.ValidatorAddress {
		return fmt.Errorf("bad vote signature: expected signatory=%v, got signatory=%v", signed.Vote.ValidatorAddress, signatory)
	}
	return nil
}

// VerifyProposal is the free-function form of VerifyVote for Proposals.
func VerifyProposal(signed types.SignedProposal) error {
	sigHash := ProposalSigHash(signed.Proposal)
	pubKey, err := crypto.SigToPub(sigHash[:], signed.Signature[:])
	if err != nil {
		return fmt.Errorf("cannot recover signer: %w", err)
	}
	signatory := id.NewSignatory(*pubKey)
	if signatory != signed.Proposal.ProposerAddress {
		return fmt.Errorf("bad proposal signature: expected signatory=%v, got signatory=%v", signed.Proposal.ProposerAddress, signatory)
	}
	return nil
}

// ExtensionSigner signs/verifies vote Extensions independently of the vote
// itself, so a host can rotate or externalise extension keys without
// touching vote signing.
type ExtensionSigner interface {
	SignExtension(height types.Height, round types.Round, valueID types.ValueID, ext types.Extension) ([]byte, error)
	VerifyExtension(height types.Height, round types.Round, valueID types.ValueID, ext types.Extension, sig []byte) error
}

// ECDSAExtensionSigner implements ExtensionSigner with the same key and
// hash-then-sign idiom used for votes and proposals.
type ECDSAExtensionSigner struct {
	privKey *ecdsa.PrivateKey
}

// NewECDSAExtensionSigner constructs an ECDSAExtensionSigner.
func NewECDSAExtensionSigner(privKey *ecdsa.PrivateKey) *ECDSAExtensionSigner {
	return &ECDSAExtensionSigner{privKey: privKey}
}

func extensionSigHash(height types.Height, round types.Round, valueID types.ValueID, ext types.Extension) id.Hash {
	return sha3.Sum256([]byte(fmt.Sprintf("Extension(Height=%v,Round=%v,Value=%v,Data=%x)", height, round, valueID, []byte(ext))))
}

// SignExtension signs the Extension bytes bound to (height, round, valueID).
func (s *ECDSAExtensionSigner) SignExtension(height types.Height, round types.Round, valueID types.ValueID, ext types.Extension) ([]byte, error) {
	sigHash := extensionSigHash(height, round, valueID, ext)
	return crypto.Sign(sigHash[:], s.privKey)
}

// VerifyExtension checks only that a signer's public key can be recovered
// from sig over (height, round, valueID, ext). It does not compare the
// recovered key with any validator address, so a well-formed signature by
// any key passes.
func (s *ECDSAExtensionSigner) VerifyExtension(height types.Height, round types.Round, valueID types.ValueID, ext types.Extension, sig []byte) error {
	sigHash := extensionSigHash(height, round, valueID, ext)
	if _, err := crypto.SigToPub(sigHash[:], sig); err != nil {
		return fmt.Errorf("cannot recover extension signer: %w", err)
	}
	return nil
}
