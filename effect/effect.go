// Package effect names the vocabulary the driver's host must support: every
// side effect the consensus core asks for (scheduling a timer, publishing a
// message, signing, verifying, appending to the WAL, deciding a value) and,
// where one is expected, the value the host resumes the core with. The
// contract is a synchronous callback interface rather than a coroutine:
// the engine calls the matching Handler method and receives its return
// value at the same suspension point a yield/resume pair would mark.
package effect

import (
	"fmt"
	"time"

	"github.com/renproject/tendermint-core/cert"
	"github.com/renproject/tendermint-core/round"
	"github.com/renproject/tendermint-core/types"
	"github.com/renproject/tendermint-core/wal"
)

// Role distinguishes why a round started for this replica, mirroring
// StartRound's Role parameter.
type Role uint8

const (
	// RoleProposer: this replica is the proposer for the round that started.
	RoleProposer Role = iota
	// RoleNonProposer: this replica is any other validator.
	RoleNonProposer
)

// PeerID identifies a remote peer for sync and liveness messages.
type PeerID string

// ConsensusMsgKind distinguishes the two variants of the tagged
// signed-message structure consensus exchanges with the network layer.
type ConsensusMsgKind uint8

const (
	// ConsensusMsgVote wraps a SignedVote.
	ConsensusMsgVote ConsensusMsgKind = iota
	// ConsensusMsgProposal wraps a SignedProposal.
	ConsensusMsgProposal
)

// ConsensusMsg is the tagged envelope PublishConsensusMsg and
// VerifySignature exchange with the network layer.
type ConsensusMsg struct {
	Kind     ConsensusMsgKind
	Vote     types.SignedVote
	Proposal types.SignedProposal
}

// LivenessMsgKind distinguishes the two re-broadcast shapes liveness helpers
// publish.
type LivenessMsgKind uint8

const (
	// LivenessMsgVote re-broadcasts a single vote (RepublishVote's payload,
	// carried as a PublishLivenessMsg when addressed to a specific peer
	// rather than gossiped to everyone).
	LivenessMsgVote LivenessMsgKind = iota
	// LivenessMsgRoundCertificate re-broadcasts a RoundCertificate.
	LivenessMsgRoundCertificate
)

// LivenessMsg is the tagged envelope PublishLivenessMsg publishes.
type LivenessMsg struct {
	Kind             LivenessMsgKind
	Vote             types.SignedVote
	RoundCertificate cert.RoundCertificate
}

// RawDecidedValue is a sync response's decided-value payload: the
// application-opaque bytes plus the CommitCertificate proving they were
// decided.
type RawDecidedValue struct {
	Value       types.Value
	Certificate cert.CommitCertificate
}

// ValueResponse answers a ValueRequest(height): either the decided value (if
// known) or nothing.
type ValueResponse struct {
	Height types.Height
	Value  *RawDecidedValue
}

// VoteExtensionError is returned by VerifyVoteExtension when an Extension
// fails validation; the vote it was attached to is discarded entirely.
type VoteExtensionError struct {
	Reason string
}

func (e *VoteExtensionError) Error() string {
	return fmt.Sprintf("vote extension invalid: %v", e.Reason)
}

// Handler is implemented by the host embedding this module. The driver's
// caller (package consensus) invokes these synchronously and feeds the
// round/driver machinery with whatever Input the return value implies
// (e.g. VerifySignature's verdict decides whether a received vote is
// tallied).
//
// Implementations must not block the calling goroutine indefinitely. Only
// GetValue is allowed to answer asynchronously, by later driving a
// ProposeValue input instead of returning the value; every other method is
// expected to return before the caller proceeds to the next effect.
type Handler interface {
	// ResetTimeouts asks the host to reset any per-round timeout back-off to
	// its initial value (e.g. when a height is newly started).
	ResetTimeouts() error
	// CancelAllTimeouts cancels every outstanding timer for the height.
	CancelAllTimeouts() error
	// CancelTimeout cancels the named timer for round, best-effort.
	CancelTimeout(r types.Round, timeout round.TimeoutKind) error
	// ScheduleTimeout (re)starts the named timer for round.
	ScheduleTimeout(r types.Round, timeout round.TimeoutKind) error
	// StartRound notifies the host that round r started at height with the
	// given proposer and this replica's Role in it.
	StartRound(height types.Height, r types.Round, proposer types.Address, role Role) error
	// PublishConsensusMsg broadcasts a signed vote or proposal to the network.
	PublishConsensusMsg(msg ConsensusMsg) error
	// PublishLivenessMsg broadcasts a liveness re-broadcast message.
	PublishLivenessMsg(msg LivenessMsg) error
	// RepublishVote re-broadcasts a single previously-cast vote.
	RepublishVote(vote types.SignedVote) error
	// RepublishRoundCertificate re-broadcasts a RoundCertificate.
	RepublishRoundCertificate(rc cert.RoundCertificate) error
	// GetValue asks the host to produce a value to propose for (height, r)
	// within timeout. The host must eventually feed a ProposeValue input
	// (via the driver) within timeout, or let TimeoutPropose fire instead.
	GetValue(height types.Height, r types.Round, timeout time.Duration) error
	// RestreamProposal asks the host to re-publish every part of a proposal
	// it has already streamed once, for a value it locked at validRound.
	RestreamProposal(height types.Height, r types.Round, validRound types.Round, proposer types.Address, valueID types.ValueID) error
	// ValidSyncValue notifies the host that a sync ValueResponse checked out.
	ValidSyncValue(resp ValueResponse, proposer types.Address) error
	// InvalidSyncValue notifies the host that a sync ValueResponse from peer
	// failed verification.
	InvalidSyncValue(peer PeerID, height types.Height, cause error) error
	// Decide notifies the host that commitCert's value was decided, together
	// with whatever vote extensions were collected alongside the commit
	// precommits (keyed by the extending validator's address).
	Decide(commitCert cert.CommitCertificate, extensions map[types.Address]types.SignedExtension) error
	// WalAppend asks the host to persist entry to height's write-ahead log
	// before the effect that produced it is allowed to externalise state.
	// If the WAL is not currently at height, the entry is ignored.
	WalAppend(height types.Height, entry wal.Entry) error

	// SignVote asks the host to sign vote with this replica's key.
	SignVote(vote types.Vote) (types.SignedVote, error)
	// SignProposal asks the host to sign proposal with this replica's key.
	SignProposal(proposal types.Proposal) (types.SignedProposal, error)
	// VerifySignature checks a ConsensusMsg's signature against pubKey.
	VerifySignature(msg ConsensusMsg, pubKey types.PublicKey) (bool, error)
	// VerifyCommitCertificate checks cc against validators and thresholds.
	VerifyCommitCertificate(cc cert.CommitCertificate, validators *types.ValidatorSet, thresholds types.ThresholdParams) error
	// VerifyPolkaCertificate checks pc against validators and thresholds.
	VerifyPolkaCertificate(pc cert.PolkaCertificate, validators *types.ValidatorSet, thresholds types.ThresholdParams) error
	// VerifyRoundCertificate checks rc against validators and thresholds.
	VerifyRoundCertificate(rc cert.RoundCertificate, validators *types.ValidatorSet, thresholds types.ThresholdParams) error

	// ExtendVote asks the host (only called when vote extensions are
	// enabled) for a SignedExtension to attach to the precommit this replica
	// is about to cast for (height, r, valueID). Returning nil attaches no
	// extension.
	ExtendVote(height types.Height, r types.Round, valueID types.ValueID) (*types.SignedExtension, error)
	// VerifyVoteExtension checks a SignedExtension received alongside a
	// precommit from a validator whose public key is pubKey. A non-nil error
	// discards the entire precommit, not just its extension.
	VerifyVoteExtension(height types.Height, r types.Round, valueID types.ValueID, ext types.SignedExtension, pubKey types.PublicKey) error
}
