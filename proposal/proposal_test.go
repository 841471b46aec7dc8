package proposal_test

import (
	"math/rand"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/renproject/tendermint-core/proposal"
	"github.com/renproject/tendermint-core/testutil"
	"github.com/renproject/tendermint-core/types"
)

var _ = Describe("Proposal keeper", func() {
	r := rand.New(rand.NewSource(23))
	const height = types.Height(1)
	proposer := types.Address{9}

	It("joins a bare Proposal to its value, producing a Full entry", func() {
		k := proposal.NewKeeper()
		value := testutil.RandomValue(r)
		p := types.Proposal{Height: height, Round: 0, Value: value, PolRound: types.NilRound, ProposerAddress: proposer}

		entry, changed := k.ApplyProposal(p, true)
		Expect(changed).To(BeTrue())
		Expect(entry.Kind).To(Equal(proposal.EntryFull))

		got, ok := k.Get(0)
		Expect(ok).To(BeTrue())
		Expect(got.Proposal.Value.Equal(value)).To(BeTrue())
		Expect(got.Valid).To(BeTrue())
	})

	It("ignores a redundant proposal naming a value-id already recorded for the round", func() {
		k := proposal.NewKeeper()
		value := testutil.RandomValue(r)
		p := types.Proposal{Height: height, Round: 0, Value: value, PolRound: types.NilRound, ProposerAddress: proposer}

		_, first := k.ApplyProposal(p, true)
		Expect(first).To(BeTrue())
		_, second := k.ApplyProposal(p, true)
		Expect(second).To(BeFalse())

		Expect(k.EntriesAt(0)).To(HaveLen(1))
	})

	It("upgrades a ValueOnly entry to Full once the matching proposal arrives", func() {
		k := proposal.NewKeeper()
		value := testutil.RandomValue(r)

		upgraded := k.ApplyValue(0, value, true)
		Expect(upgraded).To(BeEmpty())
		_, ok := k.Get(0)
		Expect(ok).To(BeFalse())

		p := types.Proposal{Height: height, Round: 0, Value: value, PolRound: types.NilRound, ProposerAddress: proposer}
		entry, changed := k.ApplyProposal(p, true)
		Expect(changed).To(BeTrue())
		Expect(entry.Kind).To(Equal(proposal.EntryFull))
	})

	It("preserves both entries when the proposer equivocates with a different value at the same round", func() {
		k := proposal.NewKeeper()
		valueA := testutil.RandomValue(r)
		valueB := testutil.RandomValue(r)

		pA := types.Proposal{Height: height, Round: 0, Value: valueA, PolRound: types.NilRound, ProposerAddress: proposer}
		pB := types.Proposal{Height: height, Round: 0, Value: valueB, PolRound: types.NilRound, ProposerAddress: proposer}

		_, okA := k.ApplyProposal(pA, true)
		Expect(okA).To(BeTrue())
		_, okB := k.ApplyProposal(pB, true)
		Expect(okB).To(BeTrue())

		entries := k.EntriesAt(0)
		Expect(entries).To(HaveLen(2))

		byA, ok := k.GetByValue(0, valueA.ID())
		Expect(ok).To(BeTrue())
		Expect(byA.Proposal.Value.Equal(valueA)).To(BeTrue())

		byB, ok := k.GetByValue(0, valueB.ID())
		Expect(ok).To(BeTrue())
		Expect(byB.Proposal.Value.Equal(valueB)).To(BeTrue())
	})

	It("joins a proposal-only entry against a value already seen at its pol_round", func() {
		k := proposal.NewKeeper()
		value := testutil.RandomValue(r)

		upgraded := k.ApplyValue(0, value, true)
		Expect(upgraded).To(BeEmpty())

		p := types.Proposal{Height: height, Round: 2, Value: value, PolRound: 0, ProposerAddress: proposer}
		entry, changed := k.ApplyProposal(p, true)
		Expect(changed).To(BeTrue())
		Expect(entry.Kind).To(Equal(proposal.EntryFull))
	})

	It("upgrades a ProposalOnly entry at a later round when a value matching its pol_round arrives", func() {
		k := proposal.NewKeeper()
		value := testutil.RandomValue(r)

		p := types.Proposal{Height: height, Round: 2, Value: value, PolRound: 0, ProposerAddress: proposer}
		_, changed := k.ApplyProposal(p, true)
		Expect(changed).To(BeFalse())
		_, ok := k.Get(2)
		Expect(ok).To(BeFalse())

		upgraded := k.ApplyValue(0, value, true)
		Expect(upgraded).To(HaveLen(1))
		Expect(upgraded[0].Proposal.Round).To(Equal(types.Round(2)))

		entry, ok := k.Get(2)
		Expect(ok).To(BeTrue())
		Expect(entry.Kind).To(Equal(proposal.EntryFull))
	})

	It("finds every Full or ProposalOnly entry below a round for the prior-round polka lookup", func() {
		k := proposal.NewKeeper()
		value := testutil.RandomValue(r)
		p0 := types.Proposal{Height: height, Round: 0, Value: value, PolRound: types.NilRound, ProposerAddress: proposer}
		k.ApplyProposal(p0, true)

		matches := k.FindValidPolkaPrevious(1)
		Expect(matches).To(HaveLen(1))

		Expect(k.FindValidPolkaPrevious(0)).To(BeEmpty())
	})

	It("looks a proposal up by its proposer address", func() {
		k := proposal.NewKeeper()
		value := testutil.RandomValue(r)
		p := types.Proposal{Height: height, Round: 0, Value: value, PolRound: types.NilRound, ProposerAddress: proposer}
		k.ApplyProposal(p, true)

		entry, ok := k.GetByProposer(0, proposer)
		Expect(ok).To(BeTrue())
		Expect(entry.Proposal.Value.Equal(value)).To(BeTrue())

		_, ok = k.GetByProposer(0, types.Address{99})
		Expect(ok).To(BeFalse())
	})

	It("discards everything on Reset", func() {
		k := proposal.NewKeeper()
		value := testutil.RandomValue(r)
		p := types.Proposal{Height: height, Round: 0, Value: value, PolRound: types.NilRound, ProposerAddress: proposer}
		k.ApplyProposal(p, true)

		k.Reset()
		_, ok := k.Get(0)
		Expect(ok).To(BeFalse())
		Expect(k.EntriesAt(0)).To(BeEmpty())
	})
})
