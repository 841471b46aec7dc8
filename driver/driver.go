// Package driver multiplexes external inputs — proposals, votes, timeouts,
// and self-proposed values — into the semantic inputs the round state
// machine understands, and lifts its outputs back out for the host to act
// on. It owns one height's validator set, vote keeper, proposal keeper and
// round state, and re-runs the round logic whenever newly arrived evidence
// (a proposal joining an earlier polka, a polka joining an earlier
// proposal) makes a previously impossible transition possible.
package driver

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/renproject/tendermint-core/proposal"
	"github.com/renproject/tendermint-core/round"
	"github.com/renproject/tendermint-core/types"
	"github.com/renproject/tendermint-core/votekeeper"
)

// Error is returned by Process for conditions the host must act on rather
// than absorb: a missing or unknown proposer for a round it asked to start.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver: %v", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// InputKind names the kind of external event being fed into Process.
type InputKind uint8

const (
	// InputNewRound starts Round, at the driver's own height, with the given
	// proposer.
	InputNewRound InputKind = iota
	// InputProposeValue supplies a value this replica is the proposer for, in
	// response to an earlier OutputGetValueAndScheduleTimeout.
	InputProposeValue
	// InputProposal is a Proposal received from the network (or ourselves),
	// together with the host's validity verdict for its Value.
	InputProposal
	// InputVote is a SignedVote received from the network (or ourselves).
	InputVote
	// InputTimeoutElapsed is a timer firing for (Round, Step) at the driver's
	// own height.
	InputTimeoutElapsed
)

// TimeoutElapsed names a fired timer, translated by the driver into the
// round machine's TimeoutPropose/TimeoutPrevote/TimeoutPrecommit inputs.
// Commit-step timeouts (liveness rebroadcast timers) are ignored by the
// driver.
type TimeoutElapsed struct {
	Round types.Round
	Step  round.TimeoutKind
}

// Input is one event fed into Driver.Process.
type Input struct {
	Kind     InputKind
	Round    types.Round // for InputNewRound, InputProposeValue
	Proposer types.Address
	Value    types.Value // for InputProposeValue
	Proposal types.Proposal
	Validity bool // for InputProposal: the host's application-level validity check
	Vote     types.SignedVote
	Timeout  TimeoutElapsed
}

// OutputKind mirrors round.OutputKind one-to-one (the driver does not
// introduce new output shapes, only lifts the round machine's).
type OutputKind = round.OutputKind

const (
	OutputNewRound                   = round.OutputNewRound
	OutputProposal                   = round.OutputProposal
	OutputVote                       = round.OutputVote
	OutputScheduleTimeout            = round.OutputScheduleTimeout
	OutputGetValueAndScheduleTimeout = round.OutputGetValueAndScheduleTimeout
	OutputDecision                   = round.OutputDecision
)

// Output is a driver-level effect request, identical in shape to
// round.Output but carrying the driver's own Height.
type Output struct {
	Kind    OutputKind
	Height  types.Height
	Round   types.Round
	Value   types.Value
	Vote    types.Vote
	Timeout round.TimeoutKind
}

// Driver owns one height's consensus bookkeeping: the ValidatorSet, this
// replica's own address, the VoteKeeper, the ProposalKeeper, the round
// machine's State, and the current round's proposer.
type Driver struct {
	validators *types.ValidatorSet
	address    types.Address
	thresholds types.ThresholdParams
	logger     logrus.FieldLogger

	voteKeeper     *votekeeper.Keeper
	proposalKeeper *proposal.Keeper
	state          round.State
	proposer       types.Address
}

// New constructs a Driver for height's ValidatorSet. thresholds is typically
// types.DefaultThresholdParams().
func New(height types.Height, validators *types.ValidatorSet, address types.Address, thresholds types.ThresholdParams, logger logrus.FieldLogger) *Driver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Driver{
		validators:     validators,
		address:        address,
		thresholds:     thresholds,
		logger:         logger,
		voteKeeper:     votekeeper.NewKeeper(validators, thresholds),
		proposalKeeper: proposal.NewKeeper(),
		state:          round.NewState(height),
	}
}

// Height returns the Height this Driver is currently driving.
func (d *Driver) Height() types.Height {
	return d.state.Height
}

// RoundState returns the round machine's current State, read-only for callers
// (e.g. to build a CommitCertificate from d.VoteKeeper() once Decision is set).
func (d *Driver) RoundState() round.State {
	return d.state
}

// VoteKeeper exposes the Driver's vote tally, e.g. to build a
// CommitCertificate's signature list once a decision is reached.
func (d *Driver) VoteKeeper() *votekeeper.Keeper {
	return d.voteKeeper
}

// ValidatorSet returns the Driver's ValidatorSet.
func (d *Driver) ValidatorSet() *types.ValidatorSet {
	return d.validators
}

// Proposer returns the proposer address for the round currently being driven.
func (d *Driver) Proposer() types.Address {
	return d.proposer
}

// MoveToHeight resets the Driver onto a fresh height with a new
// ValidatorSet, discarding all round/vote/proposal state.
func (d *Driver) MoveToHeight(height types.Height, validators *types.ValidatorSet) {
	d.validators = validators
	d.voteKeeper = votekeeper.NewKeeper(validators, d.thresholds)
	d.proposalKeeper = proposal.NewKeeper()
	d.state = round.NewState(height)
	d.proposer = types.Address{}
}

// Process dispatches one external Input, returning the Outputs the round
// machine (possibly several, chained through the pending-input drain)
// requests the host perform.
func (d *Driver) Process(input Input) ([]Output, error) {
	switch input.Kind {
	case InputNewRound:
		return d.processNewRound(input)
	case InputProposeValue:
		return d.applyRoundInput(round.Input{Kind: round.InputProposeValue, Value: input.Value}, input.Round)
	case InputProposal:
		return d.processProposal(input.Proposal, input.Validity)
	case InputVote:
		return d.processVote(input.Vote)
	case InputTimeoutElapsed:
		return d.processTimeout(input.Timeout)
	default:
		return nil, errf("unknown input kind=%d", uint8(input.Kind))
	}
}

func (d *Driver) processNewRound(input Input) ([]Output, error) {
	if input.Proposer == (types.Address{}) {
		return nil, errf("NoProposer: NewRound(height=%v,round=%v) supplied with a zero proposer address", d.state.Height, input.Round)
	}
	if _, ok := d.validators.Get(input.Proposer); !ok {
		return nil, errf("ProposerNotFound: proposer=%v is not a member of the validator set at height=%v", input.Proposer, d.state.Height)
	}
	d.proposer = input.Proposer
	d.state.Round = input.Round
	return d.applyRoundInput(round.Input{Kind: round.InputNewRound, Round: input.Round}, input.Round)
}

func (d *Driver) processProposal(p types.Proposal, validity bool) ([]Output, error) {
	if p.Height != d.state.Height {
		d.logger.Debugf("dropping proposal for height=%v while driving height=%v", p.Height, d.state.Height)
		return nil, nil
	}
	d.proposalKeeper.ApplyProposal(p, validity)
	input := d.multiplexProposal(p, validity)
	if input == nil {
		return nil, nil
	}
	return d.applyRoundInput(*input, p.Round)
}

func (d *Driver) processVote(vote types.SignedVote) ([]Output, error) {
	if vote.Vote.Height != d.state.Height {
		d.logger.Debugf("dropping vote for height=%v while driving height=%v", vote.Vote.Height, d.state.Height)
		return nil, nil
	}
	if _, ok := d.validators.Get(vote.Vote.ValidatorAddress); !ok {
		d.logger.Debugf("dropping vote from unknown validator %v", vote.Vote.ValidatorAddress)
		return nil, nil
	}
	output, ok := d.voteKeeper.ApplyVote(vote, d.state.Round)
	if !ok {
		return nil, nil
	}
	input := d.multiplexVoteThreshold(output)
	return d.applyRoundInput(input, thresholdAppliesToRound(output, d.state.Round))
}

func (d *Driver) processTimeout(t TimeoutElapsed) ([]Output, error) {
	var kind round.InputKind
	switch t.Step {
	case round.TimeoutPropose:
		kind = round.InputTimeoutPropose
	case round.TimeoutPrevote:
		kind = round.InputTimeoutPrevote
	case round.TimeoutPrecommit:
		kind = round.InputTimeoutPrecommit
	default:
		return nil, nil // Commit-step (liveness) timeouts are ignored by the driver
	}
	return d.applyRoundInput(round.Input{Kind: kind}, t.Round)
}

// thresholdAppliesToRound picks which round a vote-keeper threshold output
// should be fed to the round machine at: SkipRound names its own target
// round explicitly, every other output applies to the round the driver is
// presently stepping through.
func thresholdAppliesToRound(output votekeeper.Output, currentRound types.Round) types.Round {
	if output.Kind == votekeeper.OutputSkipRound {
		return output.Round
	}
	return currentRound
}

// applyRoundInput feeds one semantic Input to the round machine, lifts its
// Output (if any), and — on a step change to Prevote — recursively drains
// any follow-up input multiplexStepChange finds already satisfied (e.g. a
// polka that arrived before the proposal did). The recursion takes the
// place of an explicit pending-input slot; Go's call stack already gives
// it last-in-first-out semantics.
func (d *Driver) applyRoundInput(input round.Input, inputRound types.Round) ([]Output, error) {
	info := round.Info{InputRound: inputRound, Address: d.address, Proposer: d.proposer}
	prevStep := d.state.Step

	newState, out, ok := round.Apply(d.state, info, input)
	d.state = newState

	var outputs []Output
	if ok {
		outputs = append(outputs, d.liftOutput(out))
	}

	if newState.Step != prevStep && newState.Step == round.Prevote {
		if pending := d.multiplexStepChange(newState.Round); pending != nil {
			more, err := d.applyRoundInput(*pending, newState.Round)
			if err != nil {
				return outputs, err
			}
			outputs = append(outputs, more...)
		}
	}
	return outputs, nil
}

func (d *Driver) liftOutput(out round.Output) Output {
	return Output{
		Kind:    out.Kind,
		Height:  d.state.Height,
		Round:   out.Round,
		Value:   out.Value,
		Vote:    out.Vote,
		Timeout: out.Timeout,
	}
}

// currentProposal returns the Full proposal entry for round, if any — the
// proposal already matched with its value that the step-change multiplexer
// consults.
func (d *Driver) currentProposal(r types.Round) (types.Proposal, bool) {
	entry, ok := d.proposalKeeper.Get(r)
	if !ok || entry.Kind != proposal.EntryFull {
		return types.Proposal{}, false
	}
	return entry.Proposal, true
}

// proposalForValue returns the Full proposal entry for (round, value), the
// value-specific lookup used wherever a vote-keeper threshold names a
// particular value-id — so an equivocating proposer's second (distinct)
// proposal at the same round never gets matched against a threshold meant
// for the first.
func (d *Driver) proposalForValue(r types.Round, value types.ValueID) (types.Proposal, bool) {
	entry, ok := d.proposalKeeper.GetByValue(r, value)
	if !ok {
		return types.Proposal{}, false
	}
	return entry.Proposal, true
}

// multiplexProposal decides which semantic round input a stored proposal
// now justifies, given the current step and whatever polkas the vote
// keeper has already tallied for it.
func (d *Driver) multiplexProposal(p types.Proposal, validity bool) *round.Input {
	if d.state.Round.IsNil() {
		return nil
	}
	if d.state.Height != p.Height {
		return nil
	}

	polkaForPol := d.voteKeeper.IsThresholdMet(p.PolRound, types.Prevote, types.Val(p.Value.ID()))
	polkaPrevious := p.PolRound.IsDefined() && polkaForPol && p.PolRound < d.state.Round

	if !validity {
		if d.state.Step == round.Propose {
			if p.PolRound.IsNil() {
				return &round.Input{Kind: round.InputInvalidProposal}
			}
			if polkaPrevious {
				return &round.Input{Kind: round.InputInvalidProposalAndPolkaPrevious, Proposal: p}
			}
		}
		return nil
	}

	if d.voteKeeper.IsThresholdMet(p.Round, types.Precommit, types.Val(p.Value.ID())) && d.state.Decision == nil {
		return &round.Input{Kind: round.InputProposalAndPrecommitValue, Proposal: p}
	}

	if d.state.Round != p.Round {
		return nil
	}

	polkaCurrent := d.voteKeeper.IsThresholdMet(p.Round, types.Prevote, types.Val(p.Value.ID())) && d.state.Step >= round.Prevote
	if polkaCurrent {
		return &round.Input{Kind: round.InputProposalAndPolkaCurrent, Proposal: p}
	}

	if d.state.Step == round.Propose && polkaPrevious {
		return &round.Input{Kind: round.InputProposalAndPolkaPrevious, Proposal: p}
	}

	return &round.Input{Kind: round.InputProposal, Proposal: p}
}

// multiplexVoteThreshold translates a vote-keeper threshold into a round
// input, pairing value-specific thresholds with a matching stored proposal
// where one is known and degrading to the any-value input where not.
func (d *Driver) multiplexVoteThreshold(output votekeeper.Output) round.Input {
	switch output.Kind {
	case votekeeper.OutputPolkaAny:
		return round.Input{Kind: round.InputPolkaAny}
	case votekeeper.OutputPolkaNil:
		return round.Input{Kind: round.InputPolkaNil}
	case votekeeper.OutputPolkaValue:
		if p, ok := d.proposalForValue(d.state.Round, output.Value); ok {
			return round.Input{Kind: round.InputProposalAndPolkaCurrent, Proposal: p}
		}
		return round.Input{Kind: round.InputPolkaAny}
	case votekeeper.OutputPrecommitAny:
		return round.Input{Kind: round.InputPrecommitAny}
	case votekeeper.OutputPrecommitValue:
		if p, ok := d.proposalForValue(d.state.Round, output.Value); ok {
			return round.Input{Kind: round.InputProposalAndPrecommitValue, Proposal: p}
		}
		return round.Input{Kind: round.InputPrecommitAny}
	case votekeeper.OutputSkipRound:
		return round.Input{Kind: round.InputSkipRound, Round: output.Round}
	default:
		panic(fmt.Errorf("invariant violation: unexpected votekeeper output kind=%d", uint8(output.Kind)))
	}
}

// multiplexStepChange checks, immediately after a step change to Prevote,
// whether a pre-existing polka already enables a follow-up input. No other
// step change needs this: only entry into Prevote can race with votes that
// arrived before the proposal did.
func (d *Driver) multiplexStepChange(r types.Round) *round.Input {
	if d.voteKeeper.IsThresholdMet(r, types.Prevote, types.Nil) {
		return &round.Input{Kind: round.InputPolkaNil}
	}
	if p, ok := d.currentProposal(r); ok {
		if d.voteKeeper.IsThresholdMet(r, types.Prevote, types.Val(p.Value.ID())) {
			return &round.Input{Kind: round.InputProposalAndPolkaCurrent, Proposal: p}
		}
	}
	if d.voteKeeper.IsAnyThresholdMet(r, types.Prevote) {
		return &round.Input{Kind: round.InputPolkaAny}
	}
	return nil
}
