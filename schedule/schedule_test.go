package schedule_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/renproject/tendermint-core/schedule"
	"github.com/renproject/tendermint-core/testutil"
	"github.com/renproject/tendermint-core/types"
)

var _ = Describe("Proposer schedule", func() {
	Context("RoundRobin", func() {
		It("cycles through validators as (height+round) increases", func() {
			_, validatorSet := testutil.NewValidators(testutil.EqualVotingPower(3))
			rr := schedule.NewRoundRobin(validatorSet)
			seen := make(map[types.Address]bool)
			for i := int64(0); i < 3; i++ {
				seen[rr.Propose(types.Height(i), 0)] = true
			}
			Expect(seen).To(HaveLen(3))
			Expect(rr.Propose(0, 0)).To(Equal(rr.Propose(3, 0)))
		})

		It("treats height and round as a combined rotation index", func() {
			_, validatorSet := testutil.NewValidators(testutil.EqualVotingPower(4))
			rr := schedule.NewRoundRobin(validatorSet)
			Expect(rr.Propose(1, 1)).To(Equal(rr.Propose(0, 2)))
		})
	})

	Context("WeightedRoundRobin", func() {
		It("gives every validator a turn within one full cycle", func() {
			_, validatorSet := testutil.NewValidators(testutil.EqualVotingPower(4))
			wrr := schedule.NewWeightedRoundRobin(validatorSet)
			seen := make(map[types.Address]bool)
			for i := int64(0); i < 4; i++ {
				seen[wrr.Propose(0, types.Round(i))] = true
			}
			Expect(seen).To(HaveLen(4))
		})

		It("gives a heavier validator more turns per cycle than a lighter one", func() {
			validators, validatorSet := testutil.NewValidators([]int64{7, 1, 1, 1})
			wrr := schedule.NewWeightedRoundRobin(validatorSet)
			counts := make(map[types.Address]int)
			total := int64(10)
			for i := int64(0); i < total; i++ {
				counts[wrr.Propose(0, types.Round(i))]++
			}
			Expect(counts[validators[0].Address]).To(BeNumerically(">", counts[validators[1].Address]))
		})
	})
})
