// Package round implements the per-height round state machine: a pure
// function from (State, Info, Input) to (State, Output) with no I/O of its
// own. Ref L22, L28, L36, L42 and similar below refer to the pseudocode
// line numbers of "The latest gossip on BFT consensus" (arXiv:1807.04938).
package round

import (
	"fmt"

	"github.com/renproject/tendermint-core/types"
)

// Step is the phase of a round.
type Step uint8

const (
	// Unstarted: the round has not begun stepping yet.
	Unstarted Step = iota
	// Propose: waiting for, or broadcasting, a Proposal.
	Propose
	// Prevote: waiting for, or having cast, a Prevote.
	Prevote
	// Precommit: waiting for, or having cast, a Precommit.
	Precommit
	// Commit: a value has been decided for this height.
	Commit
)

// String implements fmt.Stringer.
func (s Step) String() string {
	switch s {
	case Unstarted:
		return "Unstarted"
	case Propose:
		return "Propose"
	case Prevote:
		return "Prevote"
	case Precommit:
		return "Precommit"
	case Commit:
		return "Commit"
	default:
		panic(fmt.Errorf("invariant violation: unexpected step=%d", uint8(s)))
	}
}

// State is the round machine's state for one round of one height.
type State struct {
	Height   types.Height
	Round    types.Round
	Step     Step
	Locked   *types.RoundValue // set by precommit (Ref L36), cleared only across heights
	Valid    *types.RoundValue // set by precommit or by a current-round polka (Ref L36/L42)
	Decision *types.Value
}

// NewState returns the Unstarted state for a fresh height, with no lock and
// no valid value.
func NewState(height types.Height) State {
	return State{Height: height, Round: types.NilRound, Step: Unstarted}
}

// Info carries the round-independent context apply() needs to judge
// guards: the round the input arrived for, this replica's own address, and
// the proposer for that round.
type Info struct {
	InputRound types.Round
	Address    types.Address
	Proposer   types.Address
}

// IsProposer reports whether this replica is the proposer for InputRound.
func (i Info) IsProposer() bool {
	return i.Address == i.Proposer
}

// InputKind names the kind of external event being fed into apply().
type InputKind uint8

const (
	// InputNewRound starts InputRound; info.IsProposer() decides whether to
	// propose or wait.
	InputNewRound InputKind = iota
	// InputProposeValue supplies a value this replica is the proposer for.
	InputProposeValue
	// InputProposal is a valid Proposal for the current round with no
	// accompanying polka.
	InputProposal
	// InputInvalidProposal is an invalid Proposal for the current round.
	InputInvalidProposal
	// InputProposalAndPolkaPrevious is a valid Proposal whose PolRound < the
	// current round, together with a polka for that value at PolRound
	// (Ref L28).
	InputProposalAndPolkaPrevious
	// InputInvalidProposalAndPolkaPrevious is the invalid-value counterpart.
	InputInvalidProposalAndPolkaPrevious
	// InputProposalAndPolkaCurrent is a valid Proposal together with a polka
	// for its value at the current round (Ref L36).
	InputProposalAndPolkaCurrent
	// InputProposalAndPrecommitValue is a valid Proposal together with a
	// polka of Precommits for its value, possibly at a past round: always
	// decides, regardless of current step.
	InputProposalAndPrecommitValue
	// InputPolkaAny: a quorum of Prevotes for some value or nil, current round.
	InputPolkaAny
	// InputPolkaNil: a quorum of Prevotes for nil, current round.
	InputPolkaNil
	// InputPrecommitAny: a quorum of Precommits for some value or nil,
	// current round.
	InputPrecommitAny
	// InputTimeoutPropose: the propose timeout elapsed for the current round.
	InputTimeoutPropose
	// InputTimeoutPrevote: the prevote timeout elapsed for the current round.
	InputTimeoutPrevote
	// InputTimeoutPrecommit: the precommit timeout elapsed for the current round.
	InputTimeoutPrecommit
	// InputSkipRound: f+1 honest weight observed at a higher round.
	InputSkipRound
)

// Input is one event fed into apply().
type Input struct {
	Kind     InputKind
	Round    types.Round    // for InputSkipRound: the round to skip to
	Value    types.Value    // for InputProposeValue
	Proposal types.Proposal // for the Proposal-carrying kinds
}

// OutputKind names the kind of effect apply() is requesting.
type OutputKind uint8

const (
	// OutputNewRound: enter a new round (emitted by a round skip).
	OutputNewRound OutputKind = iota
	// OutputProposal: broadcast this Proposal (this replica is the proposer).
	OutputProposal
	// OutputVote: broadcast this Vote (Prevote or Precommit).
	OutputVote
	// OutputScheduleTimeout: start a named timeout for the current round.
	OutputScheduleTimeout
	// OutputGetValueAndScheduleTimeout: ask the host for a value to propose,
	// and also start the propose timeout in case it is slow to answer.
	OutputGetValueAndScheduleTimeout
	// OutputDecision: a value has been decided for this round.
	OutputDecision
)

// TimeoutKind names which of the three per-round timers to (re)schedule.
type TimeoutKind uint8

const (
	// TimeoutPropose bounds how long to wait for a Proposal.
	TimeoutPropose TimeoutKind = iota
	// TimeoutPrevote bounds how long to wait after an any-value polka.
	TimeoutPrevote
	// TimeoutPrecommit bounds how long to wait after an any-value precommit
	// polka before skipping to the next round.
	TimeoutPrecommit
)

// Output is one effect requested by apply().
type Output struct {
	Kind    OutputKind
	Round   types.Round
	Height  types.Height
	Value   types.Value
	Vote    types.Vote
	Timeout TimeoutKind
}

func noOutput() Output { return Output{} }

// Apply advances state by one Input, returning the new State and, if the
// transition decided to do something, an Output plus true. When no rule
// matches the (Step, Input) pair, state is returned unchanged and the bool
// is false rather than an error: most (step, input) pairs are simply not
// relevant to each other (e.g. a stale timeout for a round we have moved
// past).
func Apply(state State, info Info, input Input) (State, Output, bool) {
	switch input.Kind {
	case InputSkipRound:
		if state.Step != Commit && input.Round > state.Round {
			return roundSkip(state, input.Round)
		}
		return state, noOutput(), false

	case InputProposalAndPrecommitValue:
		if state.Step == Commit {
			return state, noOutput(), false
		}
		return commit(state, input.Proposal)
	}

	if input.Kind != InputNewRound && input.Kind != InputProposeValue && info.InputRound != state.Round {
		return state, noOutput(), false
	}

	switch state.Step {
	case Unstarted:
		switch input.Kind {
		case InputNewRound:
			return enterRound(state, info, input.Round)
		}

	case Propose:
		switch input.Kind {
		case InputProposeValue:
			return proposeValue(state, info, input.Value)
		case InputProposal:
			return prevote(state, info, input.Proposal)
		case InputInvalidProposal:
			return prevoteNil(state, info)
		case InputProposalAndPolkaPrevious:
			return prevotePrevious(state, info, input.Proposal)
		case InputInvalidProposalAndPolkaPrevious:
			return prevoteNil(state, info)
		case InputProposalAndPolkaCurrent:
			return precommit(state, info, input.Proposal)
		case InputPolkaNil:
			return precommitNil(state, info)
		case InputPolkaAny:
			return scheduleTimeoutPrevote(state)
		case InputPrecommitAny:
			return scheduleTimeoutPrecommit(state)
		case InputTimeoutPropose:
			return prevoteNil(state, info)
		case InputTimeoutPrecommit:
			return roundSkip(state, info.InputRound.Increment())
		}

	case Prevote:
		switch input.Kind {
		case InputProposalAndPolkaCurrent:
			return precommit(state, info, input.Proposal)
		case InputPolkaNil:
			return precommitNil(state, info)
		case InputPolkaAny:
			return scheduleTimeoutPrevote(state)
		case InputPrecommitAny:
			return scheduleTimeoutPrecommit(state)
		case InputTimeoutPrevote:
			return precommitNil(state, info)
		case InputTimeoutPrecommit:
			return roundSkip(state, info.InputRound.Increment())
		}

	case Precommit:
		switch input.Kind {
		case InputProposalAndPolkaCurrent:
			return setValidValue(state, input.Proposal)
		case InputPrecommitAny:
			return scheduleTimeoutPrecommit(state)
		case InputTimeoutPrecommit:
			return roundSkip(state, info.InputRound.Increment())
		}

	case Commit:
		return state, noOutput(), false
	}

	return state, noOutput(), false
}

// enterRound starts InputRound. The proposer either re-proposes its valid
// value or asks the host to produce one; everyone else schedules the
// propose timeout.
func enterRound(state State, info Info, round types.Round) (State, Output, bool) {
	state.Round = round
	state.Step = Propose

	if !info.IsProposer() {
		return state, Output{Kind: OutputScheduleTimeout, Round: round, Timeout: TimeoutPropose}, true
	}

	if state.Valid != nil {
		proposal := Output{Kind: OutputProposal, Round: round, Value: state.Valid.Value}
		return state, proposal, true
	}

	return state, Output{Kind: OutputGetValueAndScheduleTimeout, Round: round, Height: state.Height, Timeout: TimeoutPropose}, true
}

// proposeValue is the host supplying a value in response to
// OutputGetValueAndScheduleTimeout.
func proposeValue(state State, info Info, value types.Value) (State, Output, bool) {
	if !info.IsProposer() {
		return state, noOutput(), false
	}
	state.Step = Propose
	return state, Output{Kind: OutputProposal, Round: state.Round, Value: value}, true
}

// prevote is Ref L22: prevote for the proposal's value unless we are
// locked on a different value, in which case prevote nil.
func prevote(state State, info Info, proposal types.Proposal) (State, Output, bool) {
	state.Step = Prevote
	valueID := types.Val(proposal.Value.ID())
	if state.Locked != nil && !state.Locked.Value.Equal(proposal.Value) {
		valueID = types.Nil
	}
	return state, voteOutput(types.Prevote, state, info.Address, valueID), true
}

// prevotePrevious is Ref L28: a proposal whose PolRound < current round,
// backed by a polka at PolRound. Prevote for it unless locked on a later
// round than PolRound.
func prevotePrevious(state State, info Info, proposal types.Proposal) (State, Output, bool) {
	state.Step = Prevote
	valueID := types.Val(proposal.Value.ID())
	if state.Locked != nil && state.Locked.Round > proposal.PolRound {
		valueID = types.Nil
	}
	return state, voteOutput(types.Prevote, state, info.Address, valueID), true
}

func prevoteNil(state State, info Info) (State, Output, bool) {
	state.Step = Prevote
	return state, voteOutput(types.Prevote, state, info.Address, types.Nil), true
}

// precommit is Ref L36: a proposal backed by a current-round polka for its
// value. Lock onto it, remember it as valid, and precommit.
func precommit(state State, info Info, proposal types.Proposal) (State, Output, bool) {
	if state.Step != Prevote {
		// NOTE: only one of precommit and set_valid_value should apply in a
		// round; once we've already precommitted we only update valid.
		return setValidValue(state, proposal)
	}
	roundValue := types.RoundValue{Value: proposal.Value, Round: state.Round}
	state.Locked = &roundValue
	state.Valid = &roundValue
	state.Step = Precommit
	return state, voteOutput(types.Precommit, state, info.Address, types.Val(proposal.Value.ID())), true
}

func precommitNil(state State, info Info) (State, Output, bool) {
	state.Step = Precommit
	return state, voteOutput(types.Precommit, state, info.Address, types.Nil), true
}

// setValidValue records a current-round polka's value as valid without
// locking it, used once we've already moved past Prevote in this round.
func setValidValue(state State, proposal types.Proposal) (State, Output, bool) {
	roundValue := types.RoundValue{Value: proposal.Value, Round: state.Round}
	state.Valid = &roundValue
	return state, noOutput(), false
}

func scheduleTimeoutPrevote(state State) (State, Output, bool) {
	return state, Output{Kind: OutputScheduleTimeout, Round: state.Round, Timeout: TimeoutPrevote}, true
}

func scheduleTimeoutPrecommit(state State) (State, Output, bool) {
	return state, Output{Kind: OutputScheduleTimeout, Round: state.Round, Timeout: TimeoutPrecommit}, true
}

// roundSkip moves to round and stops stepping until the driver feeds a
// fresh InputNewRound for it; it does not by itself decide who proposes.
func roundSkip(state State, round types.Round) (State, Output, bool) {
	state.Round = round
	state.Step = Unstarted
	return state, Output{Kind: OutputNewRound, Round: round}, true
}

// commit decides proposal.Value for the current height.
func commit(state State, proposal types.Proposal) (State, Output, bool) {
	value := proposal.Value
	state.Decision = &value
	state.Step = Commit
	return state, Output{Kind: OutputDecision, Round: proposal.Round, Value: proposal.Value}, true
}

func voteOutput(t types.VoteType, state State, addr types.Address, value types.NilOrVal) Output {
	vote := types.NewVote(t, state.Height, state.Round, value, addr)
	return Output{Kind: OutputVote, Round: state.Round, Vote: vote}
}
