package round_test

import (
	"math/rand"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/renproject/tendermint-core/round"
	"github.com/renproject/tendermint-core/testutil"
	"github.com/renproject/tendermint-core/types"
)

var _ = Describe("Round state machine", func() {
	r := rand.New(rand.NewSource(7))

	var (
		height  = types.Height(1)
		self    = types.Address{1}
		other   = types.Address{2}
		proposa = testutil.RandomValue(r)
	)

	Context("Unstarted, NewRound", func() {
		It("asks the host for a value when this replica is the proposer and has no valid value", func() {
			state := round.NewState(height)
			info := round.Info{InputRound: 0, Address: self, Proposer: self}
			next, out, ok := round.Apply(state, info, round.Input{Kind: round.InputNewRound, Round: 0})
			Expect(ok).To(BeTrue())
			Expect(out.Kind).To(Equal(round.OutputGetValueAndScheduleTimeout))
			Expect(out.Timeout).To(Equal(round.TimeoutPropose))
			Expect(next.Step).To(Equal(round.Propose))
			Expect(next.Round).To(Equal(types.Round(0)))
		})

		It("re-proposes the valid value when this replica is the proposer and has one", func() {
			state := round.NewState(height)
			state.Valid = &types.RoundValue{Value: proposa, Round: 0}
			info := round.Info{InputRound: 1, Address: self, Proposer: self}
			next, out, ok := round.Apply(state, info, round.Input{Kind: round.InputNewRound, Round: 1})
			Expect(ok).To(BeTrue())
			Expect(out.Kind).To(Equal(round.OutputProposal))
			Expect(out.Value.Equal(proposa)).To(BeTrue())
			Expect(next.Step).To(Equal(round.Propose))
		})

		It("schedules the propose timeout when this replica is not the proposer", func() {
			state := round.NewState(height)
			info := round.Info{InputRound: 0, Address: self, Proposer: other}
			next, out, ok := round.Apply(state, info, round.Input{Kind: round.InputNewRound, Round: 0})
			Expect(ok).To(BeTrue())
			Expect(out.Kind).To(Equal(round.OutputScheduleTimeout))
			Expect(out.Timeout).To(Equal(round.TimeoutPropose))
			Expect(next.Step).To(Equal(round.Propose))
		})
	})

	Context("Propose step", func() {
		baseState := func() round.State {
			s := round.NewState(height)
			s.Round = 0
			s.Step = round.Propose
			return s
		}
		info := round.Info{InputRound: 0, Address: self, Proposer: other}

		It("prevotes for the proposal's value when not locked on anything", func() {
			p := types.Proposal{Height: height, Round: 0, Value: proposa, PolRound: types.NilRound, ProposerAddress: other}
			next, out, ok := round.Apply(baseState(), info, round.Input{Kind: round.InputProposal, Proposal: p})
			Expect(ok).To(BeTrue())
			Expect(out.Kind).To(Equal(round.OutputVote))
			Expect(out.Vote.Type).To(Equal(types.Prevote))
			v, isVal := out.Vote.ValueID.Value()
			Expect(isVal).To(BeTrue())
			Expect(v.Equal(proposa.ID())).To(BeTrue())
			Expect(next.Step).To(Equal(round.Prevote))
		})

		It("prevotes nil when locked on a different value", func() {
			state := baseState()
			locked := testutil.RandomValue(r)
			state.Locked = &types.RoundValue{Value: locked, Round: 0}
			p := types.Proposal{Height: height, Round: 0, Value: proposa, PolRound: types.NilRound, ProposerAddress: other}
			_, out, ok := round.Apply(state, info, round.Input{Kind: round.InputProposal, Proposal: p})
			Expect(ok).To(BeTrue())
			Expect(out.Vote.ValueID.IsNil()).To(BeTrue())
		})

		It("prevotes nil on an invalid proposal", func() {
			_, out, ok := round.Apply(baseState(), info, round.Input{Kind: round.InputInvalidProposal})
			Expect(ok).To(BeTrue())
			Expect(out.Vote.ValueID.IsNil()).To(BeTrue())
		})

		It("prevotes nil when the propose timeout elapses", func() {
			_, out, ok := round.Apply(baseState(), info, round.Input{Kind: round.InputTimeoutPropose})
			Expect(ok).To(BeTrue())
			Expect(out.Kind).To(Equal(round.OutputVote))
			Expect(out.Vote.ValueID.IsNil()).To(BeTrue())
		})

		It("prevotes for a prior-round polka's value when not locked past that round", func() {
			state := baseState()
			state.Round = 1
			state.Locked = &types.RoundValue{Value: proposa, Round: 0}
			info := round.Info{InputRound: 1, Address: self, Proposer: other}
			p := types.Proposal{Height: height, Round: 1, Value: proposa, PolRound: 0, ProposerAddress: other}
			_, out, ok := round.Apply(state, info, round.Input{Kind: round.InputProposalAndPolkaPrevious, Proposal: p})
			Expect(ok).To(BeTrue())
			v, isVal := out.Vote.ValueID.Value()
			Expect(isVal).To(BeTrue())
			Expect(v.Equal(proposa.ID())).To(BeTrue())
		})

		It("skips to the next round when the precommit timeout elapses before prevoting", func() {
			next, out, ok := round.Apply(baseState(), info, round.Input{Kind: round.InputTimeoutPrecommit})
			Expect(ok).To(BeTrue())
			Expect(out.Kind).To(Equal(round.OutputNewRound))
			Expect(next.Round).To(Equal(types.Round(1)))
			Expect(next.Step).To(Equal(round.Unstarted))
		})

		It("prevotes nil for a prior-round polka when locked on a later round than pol_round", func() {
			state := baseState()
			state.Round = 2
			other2 := testutil.RandomValue(r)
			state.Locked = &types.RoundValue{Value: other2, Round: 1}
			info := round.Info{InputRound: 2, Address: self, Proposer: other}
			p := types.Proposal{Height: height, Round: 2, Value: proposa, PolRound: 0, ProposerAddress: other}
			_, out, ok := round.Apply(state, info, round.Input{Kind: round.InputProposalAndPolkaPrevious, Proposal: p})
			Expect(ok).To(BeTrue())
			Expect(out.Vote.ValueID.IsNil()).To(BeTrue())
		})
	})

	Context("Prevote step", func() {
		It("locks and precommits upon a current-round polka for the proposal's value", func() {
			state := round.NewState(height)
			state.Round = 0
			state.Step = round.Prevote
			info := round.Info{InputRound: 0, Address: self, Proposer: other}
			p := types.Proposal{Height: height, Round: 0, Value: proposa, PolRound: types.NilRound, ProposerAddress: other}
			next, out, ok := round.Apply(state, info, round.Input{Kind: round.InputProposalAndPolkaCurrent, Proposal: p})
			Expect(ok).To(BeTrue())
			Expect(out.Vote.Type).To(Equal(types.Precommit))
			Expect(next.Step).To(Equal(round.Precommit))
			Expect(next.Locked).ToNot(BeNil())
			Expect(next.Locked.Value.Equal(proposa)).To(BeTrue())
			Expect(next.Valid.Round).To(Equal(types.Round(0)))
		})

		It("precommits nil upon a nil polka", func() {
			state := round.NewState(height)
			state.Round = 0
			state.Step = round.Prevote
			info := round.Info{InputRound: 0, Address: self, Proposer: other}
			_, out, ok := round.Apply(state, info, round.Input{Kind: round.InputPolkaNil})
			Expect(ok).To(BeTrue())
			Expect(out.Vote.Type).To(Equal(types.Precommit))
			Expect(out.Vote.ValueID.IsNil()).To(BeTrue())
		})

		It("precommits nil when the prevote timeout elapses", func() {
			state := round.NewState(height)
			state.Round = 0
			state.Step = round.Prevote
			info := round.Info{InputRound: 0, Address: self, Proposer: other}
			_, out, ok := round.Apply(state, info, round.Input{Kind: round.InputTimeoutPrevote})
			Expect(ok).To(BeTrue())
			Expect(out.Vote.ValueID.IsNil()).To(BeTrue())
		})

		It("skips to the next round when the precommit timeout elapses before precommitting", func() {
			state := round.NewState(height)
			state.Round = 0
			state.Step = round.Prevote
			info := round.Info{InputRound: 0, Address: self, Proposer: other}
			next, out, ok := round.Apply(state, info, round.Input{Kind: round.InputTimeoutPrecommit})
			Expect(ok).To(BeTrue())
			Expect(out.Kind).To(Equal(round.OutputNewRound))
			Expect(next.Round).To(Equal(types.Round(1)))
			Expect(next.Step).To(Equal(round.Unstarted))
		})
	})

	Context("Precommit step", func() {
		It("decides the value once a precommit quorum is reached, regardless of round", func() {
			state := round.NewState(height)
			state.Round = 0
			state.Step = round.Precommit
			info := round.Info{InputRound: 0, Address: self, Proposer: other}
			p := types.Proposal{Height: height, Round: 0, Value: proposa, PolRound: types.NilRound, ProposerAddress: other}
			next, out, ok := round.Apply(state, info, round.Input{Kind: round.InputProposalAndPrecommitValue, Proposal: p})
			Expect(ok).To(BeTrue())
			Expect(out.Kind).To(Equal(round.OutputDecision))
			Expect(next.Step).To(Equal(round.Commit))
			Expect(next.Decision).ToNot(BeNil())
			Expect(next.Decision.Equal(proposa)).To(BeTrue())
		})

		It("only updates valid, not locked, on a current-round polka once past Prevote", func() {
			state := round.NewState(height)
			state.Round = 0
			state.Step = round.Precommit
			lockedValue := testutil.RandomValue(r)
			state.Locked = &types.RoundValue{Value: lockedValue, Round: 0}
			info := round.Info{InputRound: 0, Address: self, Proposer: other}
			p := types.Proposal{Height: height, Round: 0, Value: proposa, PolRound: types.NilRound, ProposerAddress: other}
			next, _, ok := round.Apply(state, info, round.Input{Kind: round.InputProposalAndPolkaCurrent, Proposal: p})
			Expect(ok).To(BeFalse())
			Expect(next.Locked.Value.Equal(lockedValue)).To(BeTrue())
			Expect(next.Valid.Value.Equal(proposa)).To(BeTrue())
		})
	})

	Context("Commit step", func() {
		It("rejects every further input", func() {
			state := round.NewState(height)
			state.Step = round.Commit
			info := round.Info{InputRound: 0, Address: self, Proposer: other}
			next, _, ok := round.Apply(state, info, round.Input{Kind: round.InputTimeoutPrecommit})
			Expect(ok).To(BeFalse())
			Expect(next.Step).To(Equal(round.Commit))
		})
	})

	Context("Round skip", func() {
		It("resets to Unstarted at the new round, keeping locked and valid", func() {
			state := round.NewState(height)
			state.Round = 0
			state.Step = round.Precommit
			locked := types.RoundValue{Value: proposa, Round: 0}
			state.Locked = &locked
			state.Valid = &locked
			info := round.Info{InputRound: 0, Address: self, Proposer: other}
			next, out, ok := round.Apply(state, info, round.Input{Kind: round.InputSkipRound, Round: 1})
			Expect(ok).To(BeTrue())
			Expect(out.Kind).To(Equal(round.OutputNewRound))
			Expect(next.Step).To(Equal(round.Unstarted))
			Expect(next.Round).To(Equal(types.Round(1)))
			Expect(next.Locked.Value.Equal(proposa)).To(BeTrue())
		})

		It("ignores a skip to a round not higher than the current one", func() {
			state := round.NewState(height)
			state.Round = 2
			state.Step = round.Prevote
			info := round.Info{InputRound: 2, Address: self, Proposer: other}
			next, _, ok := round.Apply(state, info, round.Input{Kind: round.InputSkipRound, Round: 1})
			Expect(ok).To(BeFalse())
			Expect(next.Round).To(Equal(types.Round(2)))
		})

		It("skips to the next round when the precommit timeout elapses", func() {
			state := round.NewState(height)
			state.Round = 3
			state.Step = round.Precommit
			info := round.Info{InputRound: 3, Address: self, Proposer: other}
			next, out, ok := round.Apply(state, info, round.Input{Kind: round.InputTimeoutPrecommit})
			Expect(ok).To(BeTrue())
			Expect(out.Kind).To(Equal(round.OutputNewRound))
			Expect(next.Round).To(Equal(types.Round(4)))
		})
	})

	Context("stale input rounds", func() {
		It("ignores an input tagged with a round other than the current one", func() {
			state := round.NewState(height)
			state.Round = 2
			state.Step = round.Propose
			info := round.Info{InputRound: 1, Address: self, Proposer: other}
			next, _, ok := round.Apply(state, info, round.Input{Kind: round.InputInvalidProposal})
			Expect(ok).To(BeFalse())
			Expect(next.Step).To(Equal(round.Propose))
		})
	})
})
