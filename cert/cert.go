// Package cert verifies the three kinds of quorum certificate a replica may
// need to hand to another replica or to its own WAL: a CommitCertificate (a
// Precommit polka for one value, proving a decision), a PolkaCertificate (a
// Prevote polka for one value, proving a proof-of-lock round), and a
// RoundCertificate (either a Precommit polka, proving the network moved
// past a round, or a Skip certificate, proving f+1 honest weight voted at a
// higher round). Per-signature verification fans out with
// github.com/renproject/phi.ParForAll.
package cert

import (
	"fmt"

	"github.com/renproject/phi"

	"github.com/renproject/tendermint-core/sign"
	"github.com/renproject/tendermint-core/types"
)

// Error is returned by Verify when a certificate fails to check out.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("certificate verification failed: %v", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

func indexRange(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

// CommitCertificate is a quorum of Precommits for one Value at one
// (Height, Round), proving the network decided it.
type CommitCertificate struct {
	Height  types.Height
	Round   types.Round
	Value   types.ValueID
	Commits []types.SignedVote
}

// VerifyCommitCertificate checks that every signer is a distinct validator
// in validators and that the combined voting power of the signatures that
// verify as Precommits for (height, round, value) meets quorum. A vote
// whose contents mismatch or whose signature fails to verify contributes
// no weight but does not by itself invalidate the certificate; a duplicate
// or unknown signer does.
func VerifyCommitCertificate(cc CommitCertificate, validators *types.ValidatorSet, thresholds types.ThresholdParams) error {
	seen := make(map[types.Address]bool, len(cc.Commits))
	counted := make([]bool, len(cc.Commits))
	indices := indexRange(len(cc.Commits))
	phi.ParForAll(indices, func(i int) {
		vote := cc.Commits[i]
		counted[i] = voteMatches(vote, types.Precommit, cc.Height, cc.Round, types.Val(cc.Value)) && sign.VerifyVote(vote) == nil
	})
	var weight int64
	for i, vote := range cc.Commits {
		addr := vote.Vote.ValidatorAddress
		if seen[addr] {
			return errf("duplicate signer %v in commit certificate", addr)
		}
		seen[addr] = true
		validator, ok := validators.Get(addr)
		if !ok {
			return errf("vote from unknown validator %v", addr)
		}
		if !counted[i] {
			continue
		}
		weight += validator.VotingPower
	}
	if !thresholds.Quorum.IsMet(weight, validators.TotalVotingPower()) {
		return errf("commit certificate for height=%v round=%v has insufficient voting power: %v/%v", cc.Height, cc.Round, weight, validators.TotalVotingPower())
	}
	return nil
}

// PolkaCertificate is a quorum of Prevotes for one Value at one
// (Height, Round), proving a proof-of-lock round.
type PolkaCertificate struct {
	Height   types.Height
	Round    types.Round
	Value    types.ValueID
	Prevotes []types.SignedVote
}

// VerifyPolkaCertificate checks a PolkaCertificate the same way
// VerifyCommitCertificate checks a CommitCertificate, but over Prevotes.
func VerifyPolkaCertificate(pc PolkaCertificate, validators *types.ValidatorSet, thresholds types.ThresholdParams) error {
	seen := make(map[types.Address]bool, len(pc.Prevotes))
	counted := make([]bool, len(pc.Prevotes))
	indices := indexRange(len(pc.Prevotes))
	phi.ParForAll(indices, func(i int) {
		vote := pc.Prevotes[i]
		counted[i] = voteMatches(vote, types.Prevote, pc.Height, pc.Round, types.Val(pc.Value)) && sign.VerifyVote(vote) == nil
	})
	var weight int64
	for i, vote := range pc.Prevotes {
		addr := vote.Vote.ValidatorAddress
		if seen[addr] {
			return errf("duplicate signer %v in polka certificate", addr)
		}
		seen[addr] = true
		validator, ok := validators.Get(addr)
		if !ok {
			return errf("vote from unknown validator %v", addr)
		}
		if !counted[i] {
			continue
		}
		weight += validator.VotingPower
	}
	if !thresholds.Quorum.IsMet(weight, validators.TotalVotingPower()) {
		return errf("polka certificate for height=%v round=%v has insufficient voting power: %v/%v", pc.Height, pc.Round, weight, validators.TotalVotingPower())
	}
	return nil
}

// RoundCertificateKind distinguishes the two ways a RoundCertificate can
// prove the network moved past a round.
type RoundCertificateKind uint8

const (
	// RoundCertificatePrecommit: a quorum of Precommits, possibly for mixed
	// values (any value or nil), at the round.
	RoundCertificatePrecommit RoundCertificateKind = iota
	// RoundCertificateSkip: f+1 honest weight of votes (of either type, any
	// mix of values) observed at a higher round than the sender's own.
	RoundCertificateSkip
)

// RoundCertificate proves the network has moved past Round, either via a
// Precommit quorum or via a Skip (f+1 honest) certificate.
type RoundCertificate struct {
	Kind   RoundCertificateKind
	Height types.Height
	Round  types.Round
	Votes  []types.SignedVote
}

// VerifyRoundCertificate checks a RoundCertificate. A Precommit certificate
// requires >2/3 voting power, same as VerifyCommitCertificate but allowing
// mixed values (the "any" polka, not a specific value); a prevote inside
// one is an invalid vote type and fails the certificate outright. A Skip
// certificate only requires >1/3 (honest) voting power and allows a mix of
// vote types and values, since its only claim is that enough non-Byzantine
// validators have moved on.
func VerifyRoundCertificate(rc RoundCertificate, validators *types.ValidatorSet, thresholds types.ThresholdParams) error {
	seen := make(map[types.Address]bool, len(rc.Votes))
	counted := make([]bool, len(rc.Votes))
	indices := indexRange(len(rc.Votes))
	phi.ParForAll(indices, func(i int) {
		vote := rc.Votes[i]
		counted[i] = roundVoteMatches(vote, rc.Kind, rc.Height, rc.Round) && sign.VerifyVote(vote) == nil
	})
	var weight int64
	for i, vote := range rc.Votes {
		addr := vote.Vote.ValidatorAddress
		if seen[addr] {
			return errf("duplicate signer %v in round certificate", addr)
		}
		seen[addr] = true
		validator, ok := validators.Get(addr)
		if !ok {
			return errf("vote from unknown validator %v", addr)
		}
		if rc.Kind == RoundCertificatePrecommit && vote.Vote.Type != types.Precommit {
			return errf("invalid vote type: %v from %v in a precommit round certificate", vote.Vote.Type, addr)
		}
		if !counted[i] {
			continue
		}
		weight += validator.VotingPower
	}
	total := validators.TotalVotingPower()
	switch rc.Kind {
	case RoundCertificatePrecommit:
		if !thresholds.Quorum.IsMet(weight, total) {
			return errf("precommit round certificate for height=%v round=%v has insufficient voting power: %v/%v", rc.Height, rc.Round, weight, total)
		}
	case RoundCertificateSkip:
		if !thresholds.Honest.IsMet(weight, total) {
			return errf("skip round certificate for height=%v round=%v has insufficient voting power: %v/%v", rc.Height, rc.Round, weight, total)
		}
	default:
		return errf("unknown round certificate kind=%d", uint8(rc.Kind))
	}
	return nil
}

// voteMatches reports whether vote's contents are the ones the certificate
// claims: right type, height, round and value. A mismatch means the vote
// contributes no weight, nothing more.
func voteMatches(vote types.SignedVote, wantType types.VoteType, height types.Height, round types.Round, value types.NilOrVal) bool {
	if vote.Vote.Type != wantType {
		return false
	}
	if vote.Vote.Height != height || vote.Vote.Round != round {
		return false
	}
	return vote.Vote.ValueID.Equal(value)
}

// roundVoteMatches is voteMatches for a RoundCertificate's looser claims: a
// Precommit certificate's votes name exactly its round, a Skip
// certificate's votes any round at or above it.
func roundVoteMatches(vote types.SignedVote, kind RoundCertificateKind, height types.Height, round types.Round) bool {
	if vote.Vote.Height != height {
		return false
	}
	switch kind {
	case RoundCertificatePrecommit:
		return vote.Vote.Type == types.Precommit && vote.Vote.Round == round
	case RoundCertificateSkip:
		return vote.Vote.Round >= round
	default:
		return false
	}
}
