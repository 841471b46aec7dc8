// Package votekeeper tallies weighted Prevotes and Precommits per round and
// emits an Output the first time a threshold is crossed for that
// (round, vote type) pair: per-round vote sets, a set-once weight per
// validator, an equivocation evidence map, and at-most-once output emission.
package votekeeper

import (
	"fmt"

	"github.com/renproject/tendermint-core/types"
)

// OutputKind names the kind of threshold that was crossed.
type OutputKind uint8

const (
	// OutputPolkaAny: a quorum of Prevotes for any value (mixed or nil).
	OutputPolkaAny OutputKind = iota
	// OutputPolkaNil: a quorum of Prevotes for nil.
	OutputPolkaNil
	// OutputPolkaValue: a quorum of Prevotes for one specific value.
	OutputPolkaValue
	// OutputPrecommitAny: a quorum of Precommits for any value (mixed or nil).
	OutputPrecommitAny
	// OutputPrecommitValue: a quorum of Precommits for one specific value.
	OutputPrecommitValue
	// OutputSkipRound: f+1 honest weight observed voting at a higher round.
	OutputSkipRound
)

// String implements fmt.Stringer.
func (k OutputKind) String() string {
	switch k {
	case OutputPolkaAny:
		return "PolkaAny"
	case OutputPolkaNil:
		return "PolkaNil"
	case OutputPolkaValue:
		return "PolkaValue"
	case OutputPrecommitAny:
		return "PrecommitAny"
	case OutputPrecommitValue:
		return "PrecommitValue"
	case OutputSkipRound:
		return "SkipRound"
	default:
		panic(fmt.Errorf("invariant violation: unexpected output kind=%d", uint8(k)))
	}
}

// Output is a message emitted by the Keeper when a threshold is crossed.
type Output struct {
	Kind  OutputKind
	Value types.ValueID // set for OutputPolkaValue / OutputPrecommitValue
	Round types.Round   // set for OutputSkipRound
}

func (o Output) String() string {
	switch o.Kind {
	case OutputPolkaValue, OutputPrecommitValue:
		return fmt.Sprintf("%v(%v)", o.Kind, o.Value)
	case OutputSkipRound:
		return fmt.Sprintf("%v(%v)", o.Kind, o.Round)
	default:
		return o.Kind.String()
	}
}

// equalOutput compares two Outputs for the emitted-outputs dedup set.
func equalOutput(a, b Output) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case OutputPolkaValue, OutputPrecommitValue:
		return a.Value.Equal(b.Value)
	case OutputSkipRound:
		return a.Round == b.Round
	default:
		return true
	}
}

// ConflictingVote records two votes from the same validator for the same
// (round, vote type) that disagree on value: equivocation.
type ConflictingVote struct {
	Existing    types.SignedVote
	Conflicting types.SignedVote
}

// EvidenceMap stores equivocation evidence, queryable per validator
// address.
type EvidenceMap struct {
	byAddress map[types.Address][]ConflictingVote
}

// NewEvidenceMap constructs an empty EvidenceMap.
func NewEvidenceMap() *EvidenceMap {
	return &EvidenceMap{byAddress: make(map[types.Address][]ConflictingVote)}
}

func (e *EvidenceMap) add(existing, conflicting types.SignedVote) {
	addr := existing.Vote.ValidatorAddress
	e.byAddress[addr] = append(e.byAddress[addr], ConflictingVote{Existing: existing, Conflicting: conflicting})
}

// EvidencePerAddress returns all conflicting vote pairs attributed to addr.
func (e *EvidenceMap) EvidencePerAddress(addr types.Address) []ConflictingVote {
	return e.byAddress[addr]
}

// IsEmpty reports whether any equivocation has been recorded at all.
func (e *EvidenceMap) IsEmpty() bool {
	return len(e.byAddress) == 0
}

type voteKey struct {
	Type types.VoteType
	From types.Address
}

// roundWeights tracks the weight attributed to each validator address in a
// round, set once and never overwritten.
type roundWeights struct {
	weights map[types.Address]int64
}

func newRoundWeights() *roundWeights {
	return &roundWeights{weights: make(map[types.Address]int64)}
}

func (w *roundWeights) setOnce(addr types.Address, weight int64) {
	if _, ok := w.weights[addr]; ok {
		return
	}
	w.weights[addr] = weight
}

func (w *roundWeights) sum() int64 {
	var total int64
	for _, v := range w.weights {
		total += v
	}
	return total
}

// roundVotes tallies, per vote type, the weight cast for each distinct value
// (and for nil), plus the combined weight across all values for that type.
type roundVotes struct {
	weightByValue map[types.VoteType]map[types.ValueID]int64
	weightForNil  map[types.VoteType]int64
	weightSum     map[types.VoteType]int64
}

func newRoundVotes() *roundVotes {
	return &roundVotes{
		weightByValue: make(map[types.VoteType]map[types.ValueID]int64),
		weightForNil:  make(map[types.VoteType]int64),
		weightSum:     make(map[types.VoteType]int64),
	}
}

func (rv *roundVotes) addVote(vote types.Vote, weight int64) {
	rv.weightSum[vote.Type] += weight
	if v, ok := vote.ValueID.Value(); ok {
		if rv.weightByValue[vote.Type] == nil {
			rv.weightByValue[vote.Type] = make(map[types.ValueID]int64)
		}
		rv.weightByValue[vote.Type][v] += weight
		return
	}
	rv.weightForNil[vote.Type] += weight
}

func (rv *roundVotes) weightForValue(t types.VoteType, nilOrVal types.NilOrVal) int64 {
	if v, ok := nilOrVal.Value(); ok {
		return rv.weightByValue[t][v]
	}
	return rv.weightForNil[t]
}

// PerRound holds the votes, weights, and emitted outputs seen for one round.
type PerRound struct {
	votes          *roundVotes
	weights        *roundWeights
	receivedVotes  map[voteKey]types.SignedVote
	emittedOutputs []Output
}

func newPerRound() *PerRound {
	return &PerRound{
		votes:          newRoundVotes(),
		weights:        newRoundWeights(),
		receivedVotes:  make(map[voteKey]types.SignedVote),
		emittedOutputs: nil,
	}
}

// GetVote returns the vote of the given type previously received from addr,
// if any.
func (pr *PerRound) GetVote(t types.VoteType, addr types.Address) (types.SignedVote, bool) {
	v, ok := pr.receivedVotes[voteKey{Type: t, From: addr}]
	return v, ok
}

// VotesForValue returns every received vote of type t naming value, in no
// particular order. Used to assemble a PolkaCertificate or CommitCertificate
// once IsThresholdMet reports that value's tally crossed quorum.
func (pr *PerRound) VotesForValue(t types.VoteType, value types.NilOrVal) []types.SignedVote {
	votes := make([]types.SignedVote, 0, len(pr.receivedVotes))
	for _, v := range pr.receivedVotes {
		if v.Vote.Type != t {
			continue
		}
		if !v.Vote.ValueID.Equal(value) {
			continue
		}
		votes = append(votes, v)
	}
	return votes
}

// VotesOfType returns every received vote of type t, for any value,
// assembling the mixed-value quorum a Precommit RoundCertificate certifies.
func (pr *PerRound) VotesOfType(t types.VoteType) []types.SignedVote {
	votes := make([]types.SignedVote, 0, len(pr.receivedVotes))
	for _, v := range pr.receivedVotes {
		if v.Vote.Type == t {
			votes = append(votes, v)
		}
	}
	return votes
}

// AllVotes returns every received vote for the round regardless of type or
// value, assembling the mixed evidence a Skip RoundCertificate certifies.
func (pr *PerRound) AllVotes() []types.SignedVote {
	votes := make([]types.SignedVote, 0, len(pr.receivedVotes))
	for _, v := range pr.receivedVotes {
		votes = append(votes, v)
	}
	return votes
}

// CombinedWeight returns the round's total voting power across every
// distinct validator observed, counting a validator once even if it has
// cast both a Prevote and a Precommit (the same combined := pr.weights.sum()
// quantity ApplyVote checks against the Honest threshold for OutputSkipRound).
func (pr *PerRound) CombinedWeight() int64 {
	return pr.weights.sum()
}

func (pr *PerRound) hasEmitted(output Output) bool {
	for _, o := range pr.emittedOutputs {
		if equalOutput(o, output) {
			return true
		}
	}
	return false
}

// add records vote with the given weight, returning a ConflictingVote if
// this is an equivocation (same validator, same (round, type), different
// value) rather than applying it.
func (pr *PerRound) add(vote types.SignedVote, weight int64) (ConflictingVote, bool) {
	key := voteKey{Type: vote.Vote.Type, From: vote.Vote.ValidatorAddress}
	if existing, ok := pr.receivedVotes[key]; ok {
		if !existing.Vote.ValueID.Equal(vote.Vote.ValueID) {
			return ConflictingVote{Existing: existing, Conflicting: vote}, true
		}
		// Redelivery of a vote already counted: the weight must not be
		// applied twice.
		return ConflictingVote{}, false
	}
	pr.votes.addVote(vote.Vote, weight)
	pr.weights.setOnce(vote.Vote.ValidatorAddress, weight)
	pr.receivedVotes[key] = vote
	return ConflictingVote{}, false
}

// Keeper tallies votes for one height across all of its rounds.
type Keeper struct {
	validatorSet *types.ValidatorSet
	thresholds   types.ThresholdParams
	perRound     map[types.Round]*PerRound
	evidence     *EvidenceMap
}

// NewKeeper constructs a Keeper for one height's ValidatorSet.
func NewKeeper(validatorSet *types.ValidatorSet, thresholds types.ThresholdParams) *Keeper {
	return &Keeper{
		validatorSet: validatorSet,
		thresholds:   thresholds,
		perRound:     make(map[types.Round]*PerRound),
		evidence:     NewEvidenceMap(),
	}
}

// ValidatorSet returns the Keeper's ValidatorSet.
func (k *Keeper) ValidatorSet() *types.ValidatorSet {
	return k.validatorSet
}

// TotalWeight returns T, the sum of every Validator's voting power.
func (k *Keeper) TotalWeight() int64 {
	return k.validatorSet.TotalVotingPower()
}

// PerRound returns the tally state for round, if any vote has been applied
// for it.
func (k *Keeper) PerRound(round types.Round) (*PerRound, bool) {
	pr, ok := k.perRound[round]
	return pr, ok
}

// Evidence returns the accumulated equivocation evidence.
func (k *Keeper) Evidence() *EvidenceMap {
	return k.evidence
}

func (k *Keeper) perRoundFor(round types.Round) *PerRound {
	pr, ok := k.perRound[round]
	if !ok {
		pr = newPerRound()
		k.perRound[round] = pr
	}
	return pr
}

// HasVote reports whether this exact signed vote has already been applied.
func (k *Keeper) HasVote(vote types.SignedVote) bool {
	pr, ok := k.perRound[vote.Vote.Round]
	if !ok {
		return false
	}
	existing, ok := pr.GetVote(vote.Vote.Type, vote.Vote.ValidatorAddress)
	if !ok {
		return false
	}
	return existing.Vote.ValueID.Equal(vote.Vote.ValueID) && existing.Signature == vote.Signature
}

// ApplyVote records vote (cast at vote.Vote.Round, while the driver is
// currently at currentRound) and returns the Output it triggers, if any.
// A vote from an address outside the ValidatorSet is silently discarded.
// An equivocating vote is recorded as evidence and yields no Output.
func (k *Keeper) ApplyVote(vote types.SignedVote, currentRound types.Round) (Output, bool) {
	totalWeight := k.TotalWeight()

	validator, ok := k.validatorSet.Get(vote.Vote.ValidatorAddress)
	if !ok {
		return Output{}, false
	}
	pr := k.perRoundFor(vote.Vote.Round)

	if conflict, isConflict := pr.add(vote, validator.VotingPower); isConflict {
		k.evidence.add(conflict.Existing, conflict.Conflicting)
		return Output{}, false
	}

	if vote.Vote.Round > currentRound {
		combined := pr.weights.sum()
		if k.thresholds.Honest.IsMet(combined, totalWeight) {
			output := Output{Kind: OutputSkipRound, Round: vote.Vote.Round}
			if !pr.hasEmitted(output) {
				pr.emittedOutputs = append(pr.emittedOutputs, output)
				return output, true
			}
			return Output{}, false
		}
	}

	output, ok := computeOutput(vote.Vote.Type, pr, vote.Vote.ValueID, k.thresholds, totalWeight)
	if !ok {
		return Output{}, false
	}
	if pr.hasEmitted(output) {
		return Output{}, false
	}
	pr.emittedOutputs = append(pr.emittedOutputs, output)
	return output, true
}

// IsThresholdMet reports whether round's tally already meets the quorum
// threshold for the given vote type and value (Val or Nil).
func (k *Keeper) IsThresholdMet(round types.Round, voteType types.VoteType, value types.NilOrVal) bool {
	pr, ok := k.perRound[round]
	if !ok {
		return false
	}
	weight := pr.votes.weightForValue(voteType, value)
	return k.thresholds.Quorum.IsMet(weight, k.TotalWeight())
}

// IsAnyThresholdMet reports whether round's combined tally, across every
// distinct value (including nil), meets the quorum threshold for voteType —
// the any-value case the driver checks after ruling out PolkaNil and a
// value-specific polka.
func (k *Keeper) IsAnyThresholdMet(round types.Round, voteType types.VoteType) bool {
	pr, ok := k.perRound[round]
	if !ok {
		return false
	}
	return k.thresholds.Quorum.IsMet(pr.votes.weightSum[voteType], k.TotalWeight())
}

// PruneVotes discards all per-round tally state for rounds below minRound.
func (k *Keeper) PruneVotes(minRound types.Round) {
	for round := range k.perRound {
		if round < minRound {
			delete(k.perRound, round)
		}
	}
}

func computeOutput(voteType types.VoteType, pr *PerRound, value types.NilOrVal, thresholds types.ThresholdParams, totalWeight int64) (Output, bool) {
	weight := pr.votes.weightForValue(voteType, value)
	if v, ok := value.Value(); ok {
		if thresholds.Quorum.IsMet(weight, totalWeight) {
			return thresholdOutput(voteType, OutputPolkaValue, v), true
		}
	} else if thresholds.Quorum.IsMet(weight, totalWeight) {
		return thresholdOutput(voteType, OutputPolkaNil, types.ValueID{}), true
	}

	weightSum := pr.votes.weightSum[voteType]
	if thresholds.Quorum.IsMet(weightSum, totalWeight) {
		return thresholdOutput(voteType, OutputPolkaAny, types.ValueID{}), true
	}
	return Output{}, false
}

// thresholdOutput maps a vote type and a polka-shaped kind to the concrete
// Output. Precommit-for-nil is folded into PrecommitAny, since there is no
// PrecommitNil variant.
func thresholdOutput(voteType types.VoteType, kind OutputKind, value types.ValueID) Output {
	switch voteType {
	case types.Prevote:
		switch kind {
		case OutputPolkaAny:
			return Output{Kind: OutputPolkaAny}
		case OutputPolkaNil:
			return Output{Kind: OutputPolkaNil}
		case OutputPolkaValue:
			return Output{Kind: OutputPolkaValue, Value: value}
		}
	case types.Precommit:
		switch kind {
		case OutputPolkaAny, OutputPolkaNil:
			return Output{Kind: OutputPrecommitAny}
		case OutputPolkaValue:
			return Output{Kind: OutputPrecommitValue, Value: value}
		}
	}
	panic(fmt.Errorf("invariant violation: unreachable vote type/kind combination"))
}
