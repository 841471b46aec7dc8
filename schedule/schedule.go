// Package schedule selects the proposer for a given (Height, Round).
// RoundRobin picks validators[(height+round)%len(validators)], treating
// every validator as equally likely to propose; since a ValidatorSet
// carries non-equal voting power, WeightedRoundRobin generalises the
// rotation so each validator proposes in proportion to its power.
package schedule

import (
	"github.com/renproject/tendermint-core/types"
)

// Proposer selects the proposer for (height, round).
type Proposer interface {
	Propose(height types.Height, round types.Round) types.Address
}

// RoundRobin cycles through the ValidatorSet in order, one validator per
// combined (height+round) step.
type RoundRobin struct {
	validators *types.ValidatorSet
}

// NewRoundRobin constructs a RoundRobin over validators.
func NewRoundRobin(validators *types.ValidatorSet) *RoundRobin {
	return &RoundRobin{validators: validators}
}

// Propose returns validators[(height+round) % len(validators)].Address.
func (r *RoundRobin) Propose(height types.Height, round types.Round) types.Address {
	n := r.validators.Len()
	index := (int64(height) + int64(round)) % int64(n)
	if index < 0 {
		index += int64(n)
	}
	return r.validators.ValidatorAt(int(index)).Address
}

// WeightedRoundRobin selects proposers so that, over many rounds, each
// validator proposes in proportion to its voting power: it walks a
// precomputed, height-independent priority order built by repeatedly
// picking the highest-priority validator and then deducting the network's
// total voting power from it while crediting every validator with its own
// voting power, the same algorithm Tendermint Core itself uses for
// proposer selection. Round is added to the height to pick a position in
// that order so that round-skips still rotate the proposer fairly.
type WeightedRoundRobin struct {
	validators *types.ValidatorSet
	order      []types.Address
}

// NewWeightedRoundRobin precomputes one full cycle's worth of proposer
// priority order (length = TotalVotingPower/gcd(powers)) so Propose is an
// O(1) lookup.
func NewWeightedRoundRobin(validators *types.ValidatorSet) *WeightedRoundRobin {
	w := &WeightedRoundRobin{validators: validators}
	w.order = computePriorityOrder(validators)
	return w
}

// Propose returns the (height+round)'th validator in the priority order,
// wrapping around every len(order) steps.
func (w *WeightedRoundRobin) Propose(height types.Height, round types.Round) types.Address {
	n := len(w.order)
	index := (int64(height) + int64(round)) % int64(n)
	if index < 0 {
		index += int64(n)
	}
	return w.order[index]
}

// computePriorityOrder runs the accumulate-then-pick-max algorithm: every
// validator starts at priority 0, each step every validator's priority
// increases by its own voting power, and whichever validator has the
// highest priority proposes and then has the network's total voting power
// deducted from its priority. Over TotalVotingPower/gcd(powers) steps this
// converges to one full cycle proportional to voting power.
func computePriorityOrder(validators *types.ValidatorSet) []types.Address {
	vs := validators.Validators()
	n := len(vs)
	priorities := make([]int64, n)
	total := validators.TotalVotingPower()
	var g int64
	for _, v := range vs {
		a, b := g, v.VotingPower
		for b != 0 {
			a, b = b, a%b
		}
		g = a
	}
	cycle := n
	if g > 0 {
		cycle = int(total / g)
	}
	order := make([]types.Address, cycle)
	for step := 0; step < cycle; step++ {
		for i, v := range vs {
			priorities[i] += v.VotingPower
		}
		winner := 0
		for i := 1; i < n; i++ {
			if priorities[i] > priorities[winner] {
				winner = i
			}
		}
		order[step] = vs[winner].Address
		priorities[winner] -= total
	}
	return order
}
