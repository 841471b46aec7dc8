// Liveness helpers, invoked by a host that suspects the network has
// stalled (no progress for longer than the round's escalating timeout
// would predict) rather than by the driver itself. They read back whatever
// the vote keeper already tallied for this replica's own height and
// re-publish it, letting a partitioned or newly-joined peer catch up
// without the full sync protocol.
package consensus

import (
	"github.com/renproject/tendermint-core/cert"
	"github.com/renproject/tendermint-core/types"
)

// RepublishVote re-sends this replica's own previously cast vote of
// voteType for round r, if any. A no-op (returns false, nil) if this
// replica never cast such a vote, e.g. it was not a validator at the time.
func (e *Engine) RepublishVote(r types.Round, voteType types.VoteType) (bool, error) {
	pr, ok := e.driver.VoteKeeper().PerRound(r)
	if !ok {
		return false, nil
	}
	vote, ok := pr.GetVote(voteType, e.ownAddress())
	if !ok {
		return false, nil
	}
	if err := e.handler.RepublishVote(vote); err != nil {
		return false, errf("RepublishVote failed: %v", err)
	}
	return true, nil
}

// BuildPolkaCertificate assembles the PolkaCertificate proving value
// reached a Prevote quorum at round r, for use as a proposal's proof-of-lock
// evidence when restreaming to a peer that missed the original polka. It
// fails if the tally for (r, value) has not actually crossed quorum.
func (e *Engine) BuildPolkaCertificate(r types.Round, value types.ValueID) (cert.PolkaCertificate, error) {
	keeper := e.driver.VoteKeeper()
	if !keeper.IsThresholdMet(r, types.Prevote, types.Val(value)) {
		return cert.PolkaCertificate{}, errf("no prevote quorum for round=%v value=%v", r, value)
	}
	pr, _ := keeper.PerRound(r)
	prevotes := pr.VotesForValue(types.Prevote, types.Val(value))
	return cert.PolkaCertificate{
		Height:   e.driver.Height(),
		Round:    r,
		Value:    value,
		Prevotes: prevotes,
	}, nil
}

// BuildRoundCertificate assembles whichever RoundCertificate round r's tally
// currently supports: a Precommit certificate if a Precommit quorum (any
// value, including nil) has been reached, otherwise a Skip certificate if
// combined honest weight has been observed voting at r. It fails if neither
// threshold has been crossed yet.
func (e *Engine) BuildRoundCertificate(r types.Round) (cert.RoundCertificate, error) {
	keeper := e.driver.VoteKeeper()
	pr, ok := keeper.PerRound(r)
	if !ok {
		return cert.RoundCertificate{}, errf("no tallied votes for round=%v", r)
	}
	height := e.driver.Height()
	if keeper.IsAnyThresholdMet(r, types.Precommit) {
		return cert.RoundCertificate{
			Kind:   cert.RoundCertificatePrecommit,
			Height: height,
			Round:  r,
			Votes:  pr.VotesOfType(types.Precommit),
		}, nil
	}
	total := keeper.ValidatorSet().TotalVotingPower()
	if e.thresholds.Honest.IsMet(pr.CombinedWeight(), total) {
		return cert.RoundCertificate{
			Kind:   cert.RoundCertificateSkip,
			Height: height,
			Round:  r,
			Votes:  pr.AllVotes(),
		}, nil
	}
	return cert.RoundCertificate{}, errf("round=%v has neither a precommit quorum nor honest skip weight", r)
}

// PublishRoundCertificate builds and re-broadcasts round r's RoundCertificate
// (see BuildRoundCertificate), for a host's periodic liveness sweep to hand
// a lagging peer proof the network has moved past r.
func (e *Engine) PublishRoundCertificate(r types.Round) error {
	rc, err := e.BuildRoundCertificate(r)
	if err != nil {
		return err
	}
	if err := e.handler.RepublishRoundCertificate(rc); err != nil {
		return errf("RepublishRoundCertificate failed: %v", err)
	}
	return nil
}
