// Package types defines the data model shared by every consensus
// subsystem: application-opaque Values, Heights, Rounds, Validators,
// Votes, Proposals, and the threshold parameters used to judge whether a
// weighted tally constitutes a quorum. Concrete Address/Hash/Signature
// types come from github.com/renproject/id.
package types

import (
	"crypto/ecdsa"
	"fmt"
	"io"

	"github.com/renproject/id"
	"github.com/renproject/surge"
	"golang.org/x/crypto/sha3"
)

// Height is a totally ordered, monotonically non-decreasing index into the
// sequence of decided Values.
type Height int64

// InvalidHeight is returned where no Height is yet known.
const InvalidHeight = Height(-1)

// Round is either Nil (no round has started) or Some(r) with r >= 0. Nil
// orders before every Some(r).
type Round int64

// NilRound represents the absence of a round.
const NilRound = Round(-1)

// IsNil reports whether the Round is the Nil round.
func (r Round) IsNil() bool {
	return r < 0
}

// IsDefined reports whether the Round is a concrete round number.
func (r Round) IsDefined() bool {
	return r >= 0
}

// Increment returns the next round after r. Incrementing Nil yields round 0.
func (r Round) Increment() Round {
	if r.IsNil() {
		return Round(0)
	}
	return r + 1
}

// String implements fmt.Stringer.
func (r Round) String() string {
	if r.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("%d", int64(r))
}

// ValueID content-addresses a Value. Two Values with the same bytes always
// hash to the same ValueID.
type ValueID = id.Hash

// InvalidValueID is the zero ValueID, never produced by NewValue.
var InvalidValueID = id.Hash{}

// Value is an application-opaque payload. Consensus never inspects the
// Bytes; it only compares IDs.
type Value struct {
	id    ValueID
	bytes []byte
}

// NewValue wraps application bytes into a Value, computing its content
// address with SHA3-256.
func NewValue(bytes []byte) Value {
	return Value{
		id:    sha3.Sum256(bytes),
		bytes: append([]byte(nil), bytes...),
	}
}

// ID returns the content address of the Value.
func (v Value) ID() ValueID {
	return v.id
}

// Bytes returns the application payload.
func (v Value) Bytes() []byte {
	return v.bytes
}

// Equal compares two Values by ID.
func (v Value) Equal(other Value) bool {
	return v.id.Equal(other.id)
}

// String implements fmt.Stringer.
func (v Value) String() string {
	return fmt.Sprintf("Value(%v)", v.id)
}

// SizeHint implements surge.SizeHinter. Value has unexported fields, so it
// cannot be marshaled by surge's reflection-based default path; it is
// written out field-by-field instead.
func (v Value) SizeHint() int {
	return surge.SizeHint(v.id) + surge.SizeHint(v.bytes)
}

// Marshal implements surge.Marshaler.
func (v Value) Marshal(w io.Writer, m int) (int, error) {
	m, err := surge.Marshal(w, v.id, m)
	if err != nil {
		return m, err
	}
	return surge.Marshal(w, v.bytes, m)
}

// Unmarshal implements surge.Unmarshaler.
func (v *Value) Unmarshal(r io.Reader, m int) (int, error) {
	m, err := surge.Unmarshal(r, &v.id, m)
	if err != nil {
		return m, err
	}
	return surge.Unmarshal(r, &v.bytes, m)
}

// NilOrVal is either Nil or a concrete ValueID. It mirrors the paper's
// <nil> vote value.
type NilOrVal struct {
	val   ValueID
	isNil bool
}

// Nil is the NilOrVal representing no value.
var Nil = NilOrVal{isNil: true}

// Val wraps a concrete ValueID.
func Val(id ValueID) NilOrVal {
	return NilOrVal{val: id}
}

// IsNil reports whether this is the nil value.
func (n NilOrVal) IsNil() bool {
	return n.isNil
}

// Value returns the wrapped ValueID and whether one was present.
func (n NilOrVal) Value() (ValueID, bool) {
	if n.isNil {
		return ValueID{}, false
	}
	return n.val, true
}

// Equal compares two NilOrVal.
func (n NilOrVal) Equal(other NilOrVal) bool {
	if n.isNil != other.isNil {
		return false
	}
	if n.isNil {
		return true
	}
	return n.val.Equal(other.val)
}

// String implements fmt.Stringer.
func (n NilOrVal) String() string {
	if n.isNil {
		return "nil"
	}
	return n.val.String()
}

// SizeHint implements surge.SizeHinter, written out field-by-field for the
// same reason as Value.SizeHint.
func (n NilOrVal) SizeHint() int {
	return surge.SizeHint(n.isNil) + surge.SizeHint(n.val)
}

// Marshal implements surge.Marshaler.
func (n NilOrVal) Marshal(w io.Writer, m int) (int, error) {
	m, err := surge.Marshal(w, n.isNil, m)
	if err != nil {
		return m, err
	}
	return surge.Marshal(w, n.val, m)
}

// Unmarshal implements surge.Unmarshaler.
func (n *NilOrVal) Unmarshal(r io.Reader, m int) (int, error) {
	m, err := surge.Unmarshal(r, &n.isNil, m)
	if err != nil {
		return m, err
	}
	return surge.Unmarshal(r, &n.val, m)
}

// PublicKey is an ECDSA public key, serialised the way
// github.com/renproject/id expects for deriving a Signatory.
type PublicKey = ecdsa.PublicKey

// Signature is the output of an ECDSA signing algorithm over the secp256k1
// curve (see package sign).
type Signature = id.Signature

// Address identifies a Validator. Addresses are derived from a public key
// by id.NewSignatory.
type Address = id.Signatory

// Addresses is a wrapper around []Address.
type Addresses = id.Signatories

// Validator has an address, a public key, and a non-negative voting power.
type Validator struct {
	Address     Address
	PublicKey   PublicKey
	VotingPower int64
}

// NewValidator constructs a Validator. It panics if VotingPower is negative.
func NewValidator(addr Address, pubKey PublicKey, power int64) Validator {
	if power < 0 {
		panic(fmt.Errorf("pre-condition violation: negative voting power=%v", power))
	}
	return Validator{Address: addr, PublicKey: pubKey, VotingPower: power}
}

// ValidatorSet is an ordered, fixed collection of Validators for one Height.
type ValidatorSet struct {
	validators []Validator
	byAddress  map[Address]int
	total      int64
}

// NewValidatorSet builds a ValidatorSet, pre-computing total voting power
// and an address index.
func NewValidatorSet(validators []Validator) *ValidatorSet {
	vs := &ValidatorSet{
		validators: append([]Validator(nil), validators...),
		byAddress:  make(map[Address]int, len(validators)),
	}
	for i, v := range vs.validators {
		vs.byAddress[v.Address] = i
		vs.total += v.VotingPower
	}
	return vs
}

// TotalVotingPower returns T, the sum of every Validator's voting power.
func (vs *ValidatorSet) TotalVotingPower() int64 {
	return vs.total
}

// Get looks up a Validator by Address.
func (vs *ValidatorSet) Get(addr Address) (Validator, bool) {
	i, ok := vs.byAddress[addr]
	if !ok {
		return Validator{}, false
	}
	return vs.validators[i], true
}

// Len returns the number of Validators in the set.
func (vs *ValidatorSet) Len() int {
	return len(vs.validators)
}

// Validators returns the ordered Validator slice. Callers must not mutate it.
func (vs *ValidatorSet) Validators() []Validator {
	return vs.validators
}

// ValidatorAt returns the i'th Validator in set order, used by round-robin
// proposer selection (see package schedule).
func (vs *ValidatorSet) ValidatorAt(i int) Validator {
	return vs.validators[i%len(vs.validators)]
}

// VoteType distinguishes a Prevote from a Precommit.
type VoteType uint8

const (
	// Prevote is cast after a Propose step reaches a decision on a value.
	Prevote VoteType = iota
	// Precommit is cast after a polka is observed.
	Precommit
)

// String implements fmt.Stringer.
func (t VoteType) String() string {
	switch t {
	case Prevote:
		return "prevote"
	case Precommit:
		return "precommit"
	default:
		panic(fmt.Errorf("invariant violation: unexpected vote type=%d", uint8(t)))
	}
}

// Vote is an unsigned Prevote or Precommit.
type Vote struct {
	Type             VoteType
	Height           Height
	Round            Round
	ValueID          NilOrVal
	ValidatorAddress Address
	Extension        Extension
}

// NewVote constructs a Vote.
func NewVote(t VoteType, height Height, round Round, valueID NilOrVal, addr Address) Vote {
	return Vote{Type: t, Height: height, Round: round, ValueID: valueID, ValidatorAddress: addr}
}

// String implements fmt.Stringer.
func (v Vote) String() string {
	return fmt.Sprintf("Vote(Type=%v,Height=%v,Round=%v,Value=%v,From=%v)", v.Type, v.Height, v.Round, v.ValueID, v.ValidatorAddress)
}

// Extension is opaque application data carried by a Precommit, validated
// before the vote is counted (see package sign and the effect
// VerifyVoteExtension).
type Extension []byte

// SignedExtension pairs an Extension with the Signature over it, returned by
// the host in response to the ExtendVote effect and carried forward with the
// commit certificate to the next height's proposer.
type SignedExtension struct {
	Extension Extension
	Signature []byte
}

// SignedVote pairs a Vote with the Signature over its domain-separated
// byte encoding.
type SignedVote struct {
	Vote      Vote
	Signature Signature
}

// Proposal is a proposed Value together with its proof-of-lock round.
type Proposal struct {
	Height          Height
	Round           Round
	Value           Value
	PolRound        Round
	ProposerAddress Address
}

// String implements fmt.Stringer.
func (p Proposal) String() string {
	return fmt.Sprintf("Proposal(Height=%v,Round=%v,Value=%v,PolRound=%v,Proposer=%v)", p.Height, p.Round, p.Value, p.PolRound, p.ProposerAddress)
}

// SignedProposal pairs a Proposal with its Signature.
type SignedProposal struct {
	Proposal  Proposal
	Signature Signature
}

// RoundValue is a Value together with the Round at which it became valid or
// locked.
type RoundValue struct {
	Value Value
	Round Round
}

// Threshold classifies the outcome of tallying a bucket of votes for a
// particular value.
type Threshold uint8

const (
	// ThresholdUnreached means no quorum/honest threshold has been met.
	ThresholdUnreached Threshold = iota
	// ThresholdAny means the threshold was met across all values combined.
	ThresholdAny
	// ThresholdNil means the threshold was met for Nil specifically.
	ThresholdNil
	// ThresholdValue means the threshold was met for a specific Value.
	ThresholdValue
)

// FractionalThreshold decides whether a signed weight meets a strict
// fraction of the total: quorum is >2/3, honest is >1/3.
type FractionalThreshold struct {
	Numerator   int64
	Denominator int64
}

// IsMet reports whether 3*signed > 2*total style strict inequalities hold,
// generalised to Numerator/Denominator*total. Both quorum and honest in
// ThresholdParams are expressed this way so the comparison is always exact
// integer arithmetic (no floating point), matching the paper's >2/3 and
// >1/3 strict thresholds.
func (f FractionalThreshold) IsMet(signed, total int64) bool {
	return f.Denominator*signed > f.Numerator*total
}

// ThresholdParams bundles the quorum (>2/3) and honest (>1/3) thresholds.
type ThresholdParams struct {
	Quorum FractionalThreshold
	Honest FractionalThreshold
}

// DefaultThresholdParams returns the paper's standard thresholds.
func DefaultThresholdParams() ThresholdParams {
	return ThresholdParams{
		Quorum: FractionalThreshold{Numerator: 2, Denominator: 3},
		Honest: FractionalThreshold{Numerator: 1, Denominator: 3},
	}
}
