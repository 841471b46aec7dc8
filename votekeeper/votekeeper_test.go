package votekeeper_test

import (
	"math/rand"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/renproject/tendermint-core/testutil"
	"github.com/renproject/tendermint-core/types"
	"github.com/renproject/tendermint-core/votekeeper"
)

func signedVote(t types.VoteType, height types.Height, round types.Round, value types.NilOrVal, addr types.Address) types.SignedVote {
	return types.SignedVote{Vote: types.NewVote(t, height, round, value, addr)}
}

var _ = Describe("Vote keeper", func() {
	r := rand.New(rand.NewSource(11))
	const height = types.Height(1)

	newKeeper := func() (*votekeeper.Keeper, []testutil.Validator) {
		validators, validatorSet := testutil.NewValidators(testutil.EqualVotingPower(4))
		return votekeeper.NewKeeper(validatorSet, types.DefaultThresholdParams()), validators
	}

	It("emits PolkaValue once a quorum of Prevotes agrees on a value", func() {
		keeper, validators := newKeeper()
		value := testutil.RandomValue(r)

		for i := 0; i < 2; i++ {
			_, emitted := keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Val(value.ID()), validators[i].Address), 0)
			Expect(emitted).To(BeFalse())
		}
		output, emitted := keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Val(value.ID()), validators[2].Address), 0)
		Expect(emitted).To(BeTrue())
		Expect(output.Kind).To(Equal(votekeeper.OutputPolkaValue))
		Expect(output.Value.Equal(value.ID())).To(BeTrue())
	})

	It("emits PolkaNil once a quorum of Prevotes agree on nil", func() {
		keeper, validators := newKeeper()
		for i := 0; i < 2; i++ {
			_, emitted := keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Nil, validators[i].Address), 0)
			Expect(emitted).To(BeFalse())
		}
		output, emitted := keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Nil, validators[2].Address), 0)
		Expect(emitted).To(BeTrue())
		Expect(output.Kind).To(Equal(votekeeper.OutputPolkaNil))
	})

	It("emits PolkaAny once a quorum is split between a value and nil", func() {
		keeper, validators := newKeeper()
		value := testutil.RandomValue(r)
		_, e1 := keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Val(value.ID()), validators[0].Address), 0)
		Expect(e1).To(BeFalse())
		_, e2 := keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Val(value.ID()), validators[1].Address), 0)
		Expect(e2).To(BeFalse())
		output, emitted := keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Nil, validators[2].Address), 0)
		Expect(emitted).To(BeTrue())
		Expect(output.Kind).To(Equal(votekeeper.OutputPolkaAny))
		_, e4 := keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Nil, validators[3].Address), 0)
		Expect(e4).To(BeFalse())
	})

	It("emits PrecommitValue once a quorum of Precommits agrees on a value", func() {
		keeper, validators := newKeeper()
		value := testutil.RandomValue(r)
		for i := 0; i < 2; i++ {
			keeper.ApplyVote(signedVote(types.Precommit, height, 0, types.Val(value.ID()), validators[i].Address), 0)
		}
		output, emitted := keeper.ApplyVote(signedVote(types.Precommit, height, 0, types.Val(value.ID()), validators[2].Address), 0)
		Expect(emitted).To(BeTrue())
		Expect(output.Kind).To(Equal(votekeeper.OutputPrecommitValue))
		Expect(output.Value.Equal(value.ID())).To(BeTrue())
	})

	It("emits each output at most once per round", func() {
		keeper, validators := newKeeper()
		value := testutil.RandomValue(r)
		for i := 0; i < 3; i++ {
			keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Val(value.ID()), validators[i].Address), 0)
		}
		_, emitted := keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Val(value.ID()), validators[3].Address), 0)
		Expect(emitted).To(BeFalse())
	})

	It("counts a redelivered identical vote only once", func() {
		keeper, validators := newKeeper()
		value := testutil.RandomValue(r)
		vote := signedVote(types.Prevote, height, 0, types.Val(value.ID()), validators[0].Address)
		for i := 0; i < 3; i++ {
			_, emitted := keeper.ApplyVote(vote, 0)
			Expect(emitted).To(BeFalse())
		}
		Expect(keeper.IsThresholdMet(0, types.Prevote, types.Val(value.ID()))).To(BeFalse())
		Expect(keeper.IsAnyThresholdMet(0, types.Prevote)).To(BeFalse())
	})

	It("records equivocation as evidence instead of tallying the conflicting vote", func() {
		keeper, validators := newKeeper()
		valueA := testutil.RandomValue(r)
		valueB := testutil.RandomValue(r)

		first := signedVote(types.Prevote, height, 0, types.Val(valueA.ID()), validators[0].Address)
		second := signedVote(types.Prevote, height, 0, types.Val(valueB.ID()), validators[0].Address)

		_, e1 := keeper.ApplyVote(first, 0)
		Expect(e1).To(BeFalse())
		_, e2 := keeper.ApplyVote(second, 0)
		Expect(e2).To(BeFalse())

		Expect(keeper.Evidence().IsEmpty()).To(BeFalse())
		evidence := keeper.Evidence().EvidencePerAddress(validators[0].Address)
		Expect(evidence).To(HaveLen(1))
		Expect(evidence[0].Existing.Vote.ValueID.Equal(first.Vote.ValueID)).To(BeTrue())
		Expect(evidence[0].Conflicting.Vote.ValueID.Equal(second.Vote.ValueID)).To(BeTrue())

		pr, ok := keeper.PerRound(0)
		Expect(ok).To(BeTrue())
		Expect(pr.CombinedWeight()).To(Equal(int64(1)))
	})

	It("emits SkipRound once f+1 honest weight is seen voting at a higher round", func() {
		keeper, validators := newKeeper()
		value := testutil.RandomValue(r)

		_, e1 := keeper.ApplyVote(signedVote(types.Prevote, height, 3, types.Val(value.ID()), validators[0].Address), 0)
		Expect(e1).To(BeFalse())
		output, emitted := keeper.ApplyVote(signedVote(types.Prevote, height, 3, types.Val(value.ID()), validators[1].Address), 0)
		Expect(emitted).To(BeTrue())
		Expect(output.Kind).To(Equal(votekeeper.OutputSkipRound))
		Expect(output.Round).To(Equal(types.Round(3)))

		_, e3 := keeper.ApplyVote(signedVote(types.Prevote, height, 3, types.Val(value.ID()), validators[2].Address), 0)
		Expect(e3).To(BeFalse())
	})

	It("silently discards a vote from an address outside the validator set", func() {
		keeper, _ := newKeeper()
		stranger, _ := testutil.NewValidators(testutil.EqualVotingPower(1))
		_, emitted := keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Nil, stranger[0].Address), 0)
		Expect(emitted).To(BeFalse())
		_, ok := keeper.PerRound(0)
		Expect(ok).To(BeFalse())
	})

	It("reports IsThresholdMet and IsAnyThresholdMet once the underlying tally crosses quorum", func() {
		keeper, validators := newKeeper()
		value := testutil.RandomValue(r)
		for i := 0; i < 3; i++ {
			keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Val(value.ID()), validators[i].Address), 0)
		}
		Expect(keeper.IsThresholdMet(0, types.Prevote, types.Val(value.ID()))).To(BeTrue())
		Expect(keeper.IsThresholdMet(0, types.Prevote, types.Nil)).To(BeFalse())
		Expect(keeper.IsAnyThresholdMet(0, types.Prevote)).To(BeTrue())
		Expect(keeper.IsThresholdMet(1, types.Prevote, types.Val(value.ID()))).To(BeFalse())
	})

	It("discards tally state for rounds pruned below a minimum", func() {
		keeper, validators := newKeeper()
		keeper.ApplyVote(signedVote(types.Prevote, height, 0, types.Nil, validators[0].Address), 0)
		keeper.ApplyVote(signedVote(types.Prevote, height, 2, types.Nil, validators[0].Address), 2)

		keeper.PruneVotes(2)

		_, ok0 := keeper.PerRound(0)
		Expect(ok0).To(BeFalse())
		_, ok2 := keeper.PerRound(2)
		Expect(ok2).To(BeTrue())
	})
})
