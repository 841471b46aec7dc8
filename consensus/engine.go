// Package consensus wires the round state machine, vote keeper, proposal
// keeper and driver together with a WAL, a signing Provider, a proposer
// Scheduler and an effect.Handler into the single entry point a host
// actually drives: Engine. For every inbound message it runs the driver to
// completion and dispatches the resulting effects in order; liveness.go
// adds the rebroadcast helpers a stalled network needs.
package consensus

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/renproject/surge"

	"github.com/renproject/tendermint-core/cert"
	"github.com/renproject/tendermint-core/driver"
	"github.com/renproject/tendermint-core/effect"
	"github.com/renproject/tendermint-core/round"
	"github.com/renproject/tendermint-core/schedule"
	"github.com/renproject/tendermint-core/sign"
	"github.com/renproject/tendermint-core/timer"
	"github.com/renproject/tendermint-core/types"
	"github.com/renproject/tendermint-core/wal"
)

// Error is the Engine's external failure surface beyond what package
// driver already reports: a failed effect handler call, a WAL fault, or a
// wrapped driver.Process error.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("consensus: %v", e.Reason)
}

func errf(format string, args ...interface{}) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Engine drives one height of consensus to a decision, translating the
// driver's Outputs into calls on an effect.Handler and feeding the driver
// whatever Inputs those calls resolve to.
type Engine struct {
	driver            *driver.Driver
	scheduler         schedule.Proposer
	signer            sign.Provider
	extSigner         sign.ExtensionSigner
	handler           effect.Handler
	wal               *wal.Log
	timerOptions      timer.Options
	thresholds        types.ThresholdParams
	extensionsEnabled bool
	logger            logrus.FieldLogger

	pendingExtensions map[types.Address]types.SignedExtension

	// replaying is set for the duration of RecoverHeight: WAL appends become
	// no-ops (the entries being replayed are already on disk) and effects
	// that would publish messages, request a value or schedule timers are
	// suppressed; a decision is still delivered to Decide.
	replaying bool
}

// New constructs an Engine for height's ValidatorSet. scheduler picks the
// proposer for each round; signer and (if extensionsEnabled) extSigner
// produce this replica's signatures; handler supplies every effect the
// Engine dispatches; walLog is the height's write-ahead log, already
// Open'd by the caller.
func New(
	height types.Height,
	validators *types.ValidatorSet,
	address types.Address,
	thresholds types.ThresholdParams,
	scheduler schedule.Proposer,
	signer sign.Provider,
	extSigner sign.ExtensionSigner,
	handler effect.Handler,
	walLog *wal.Log,
	timerOptions timer.Options,
	extensionsEnabled bool,
	logger logrus.FieldLogger,
) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		driver:            driver.New(height, validators, address, thresholds, logger),
		scheduler:         scheduler,
		signer:            signer,
		extSigner:         extSigner,
		handler:           handler,
		wal:               walLog,
		timerOptions:      timerOptions,
		thresholds:        thresholds,
		extensionsEnabled: extensionsEnabled,
		logger:            logger,
		pendingExtensions: make(map[types.Address]types.SignedExtension),
	}
}

// Driver exposes the underlying Driver, e.g. for a host that wants to
// inspect RoundState() directly (read-only).
func (e *Engine) Driver() *driver.Driver {
	return e.driver
}

// StartHeight resets the Engine onto height with a fresh ValidatorSet,
// writes the height boundary to the WAL, and enters round 0.
func (e *Engine) StartHeight(height types.Height, validators *types.ValidatorSet) error {
	e.driver.MoveToHeight(height, validators)
	e.pendingExtensions = make(map[types.Address]types.SignedExtension)
	if err := e.wal.Restart(uint64(height)); err != nil {
		return errf("cannot restart WAL for height=%v: %v", height, err)
	}
	if err := e.handler.ResetTimeouts(); err != nil {
		return errf("ResetTimeouts failed: %v", err)
	}
	if err := e.walAppend(wal.Entry{Kind: wal.EntryNewHeight, Height: height}); err != nil {
		return err
	}
	return e.startRound(height, types.Round(0))
}

// RecoverHeight rebuilds the Engine's state for height by replaying its
// write-ahead log into a fresh driver; hosts call it instead of
// StartHeight after a crash. Entries are re-delivered in append order;
// timer scheduling, GetValue and message publication are suppressed while
// replaying — the messages were already published before the crash, and
// the proposed value, if any, is itself in the log. A decision reached
// during replay is re-delivered to the host's Decide, since the crash may
// have landed between the WAL append and the decide effect. If the log
// holds no height boundary (a crash before the first append), recovery
// degrades to a plain start.
func (e *Engine) RecoverHeight(height types.Height, validators *types.ValidatorSet) error {
	if e.wal.Sequence() != uint64(height) {
		return errf("WAL sequence=%v does not belong to height=%v", e.wal.Sequence(), height)
	}
	e.driver.MoveToHeight(height, validators)
	e.pendingExtensions = make(map[types.Address]types.SignedExtension)
	if err := e.handler.ResetTimeouts(); err != nil {
		return errf("ResetTimeouts failed: %v", err)
	}

	e.replaying = true
	replayedBoundary := false
	err := e.wal.Replay(func(entry wal.Entry) error {
		switch entry.Kind {
		case wal.EntryNewHeight:
			replayedBoundary = true
			return e.startRound(entry.Height, types.Round(0))
		case wal.EntryValue:
			return e.ProposeValue(e.driver.RoundState().Round, entry.Value)
		case wal.EntryProposal:
			return e.HandleProposal(entry.Proposal.Proposal, entry.Valid)
		case wal.EntryVote:
			return e.replayVote(entry.Vote)
		case wal.EntryTimeoutElapsed:
			return e.HandleTimeoutElapsed(entry.Timeout.Round, entry.Timeout.Step)
		default:
			return errf("unknown WAL entry kind=%d", uint8(entry.Kind))
		}
	})
	e.replaying = false
	if err != nil {
		return err
	}

	if !replayedBoundary {
		e.logger.Warnf("WAL for height=%v holds no height boundary; starting fresh", height)
		if err := e.walAppend(wal.Entry{Kind: wal.EntryNewHeight, Height: height}); err != nil {
			return err
		}
		return e.startRound(height, types.Round(0))
	}
	e.logger.Infof("recovered height=%v from %v WAL entries at round=%v step=%v", height, e.wal.Len(), e.driver.RoundState().Round, e.driver.RoundState().Step)
	return nil
}

// replayVote re-tallies a logged vote without re-verifying its signature
// (it was verified before it was appended). Extensions that rode along with
// a logged precommit are re-collected so a decision reached during replay
// still hands the host the same extension set.
func (e *Engine) replayVote(vote types.SignedVote) error {
	if e.extensionsEnabled && vote.Vote.Type == types.Precommit && len(vote.Vote.Extension) > 0 {
		var signedExt types.SignedExtension
		if err := surge.FromBinary(vote.Vote.Extension, &signedExt); err == nil {
			e.pendingExtensions[vote.Vote.ValidatorAddress] = signedExt
		}
	}
	outputs, err := e.driver.Process(driver.Input{Kind: driver.InputVote, Vote: vote})
	if err != nil {
		return errf("DriverProcess(Vote) failed: %v", err)
	}
	return e.processOutputs(outputs)
}

// walAppend appends and fsyncs one entry, the durability barrier that must
// complete before the corresponding effect may externalise state. It is a
// no-op during replay, when every entry passing through is already on disk.
func (e *Engine) walAppend(entry wal.Entry) error {
	if e.replaying {
		return nil
	}
	if err := e.wal.AppendEntry(entry); err != nil {
		return errf("WalAppend failed: %v", err)
	}
	if err := e.wal.Flush(); err != nil {
		return errf("WAL flush failed: %v", err)
	}
	return nil
}

func (e *Engine) startRound(height types.Height, r types.Round) error {
	proposer := e.scheduler.Propose(height, r)
	role := effect.RoleNonProposer
	if proposer == e.ownAddress() {
		role = effect.RoleProposer
	}
	if err := e.handler.StartRound(height, r, proposer, role); err != nil {
		return errf("StartRound failed: %v", err)
	}
	outputs, err := e.driver.Process(driver.Input{Kind: driver.InputNewRound, Round: r, Proposer: proposer})
	if err != nil {
		return errf("DriverProcess(NewRound) failed: %v", err)
	}
	return e.processOutputs(outputs)
}

func (e *Engine) ownAddress() types.Address {
	return e.signer.Signatory()
}

// HandleProposal feeds a received Proposal (already judged valid or invalid
// by the host's application-level check) into the driver, persisting it
// first so a restart can re-derive the same polka joins.
func (e *Engine) HandleProposal(p types.Proposal, valid bool) error {
	if p.Height != e.driver.Height() {
		return nil // InputRejected (soft): wrong-height proposal
	}
	entry := wal.Entry{Kind: wal.EntryProposal, Proposal: types.SignedProposal{Proposal: p}, Valid: valid}
	if err := e.walAppend(entry); err != nil {
		return err
	}
	outputs, err := e.driver.Process(driver.Input{Kind: driver.InputProposal, Proposal: p, Validity: valid})
	if err != nil {
		return errf("DriverProcess(Proposal) failed: %v", err)
	}
	return e.processOutputs(outputs)
}

// HandleVote feeds a received SignedVote into the driver, verifying its
// signature against the sending validator's known public key first. An
// unknown validator or bad signature is dropped without error.
func (e *Engine) HandleVote(vote types.SignedVote) error {
	if vote.Vote.Height != e.driver.Height() {
		return nil // InputRejected (soft): wrong-height vote
	}
	validator, ok := e.driver.ValidatorSet().Get(vote.Vote.ValidatorAddress)
	if !ok {
		return nil
	}
	msg := effect.ConsensusMsg{Kind: effect.ConsensusMsgVote, Vote: vote}
	valid, err := e.handler.VerifySignature(msg, validator.PublicKey)
	if err != nil {
		return errf("VerifySignature failed: %v", err)
	}
	if !valid {
		return nil
	}
	if e.extensionsEnabled && vote.Vote.Type == types.Precommit && len(vote.Vote.Extension) > 0 {
		var signedExt types.SignedExtension
		if err := surge.FromBinary(vote.Vote.Extension, &signedExt); err != nil {
			return nil // malformed extension: discard the enclosing vote
		}
		if err := e.handler.VerifyVoteExtension(vote.Vote.Height, vote.Vote.Round, mustValue(vote.Vote.ValueID), signedExt, validator.PublicKey); err != nil {
			return nil // the enclosing vote is discarded, not just its extension
		}
		e.pendingExtensions[vote.Vote.ValidatorAddress] = signedExt
	}
	if err := e.walAppend(wal.Entry{Kind: wal.EntryVote, Vote: vote}); err != nil {
		return err
	}
	outputs, err := e.driver.Process(driver.Input{Kind: driver.InputVote, Vote: vote})
	if err != nil {
		return errf("DriverProcess(Vote) failed: %v", err)
	}
	return e.processOutputs(outputs)
}

// HandleTimeoutElapsed feeds a fired timer into the driver, persisting it
// first so replay reproduces the exact sequence of transitions it caused.
func (e *Engine) HandleTimeoutElapsed(r types.Round, step round.TimeoutKind) error {
	if err := e.walAppend(wal.Entry{Kind: wal.EntryTimeoutElapsed, Timeout: wal.TimeoutElapsed{Round: r, Step: step}}); err != nil {
		return err
	}
	outputs, err := e.driver.Process(driver.Input{Kind: driver.InputTimeoutElapsed, Timeout: driver.TimeoutElapsed{Round: r, Step: step}})
	if err != nil {
		return errf("DriverProcess(TimeoutElapsed) failed: %v", err)
	}
	return e.processOutputs(outputs)
}

// ProposeValue feeds a value this replica produced, in response to an
// earlier GetValue effect, into the driver.
func (e *Engine) ProposeValue(r types.Round, value types.Value) error {
	if err := e.walAppend(wal.Entry{Kind: wal.EntryValue, Value: value}); err != nil {
		return err
	}
	outputs, err := e.driver.Process(driver.Input{Kind: driver.InputProposeValue, Round: r, Value: value})
	if err != nil {
		return errf("DriverProcess(ProposeValue) failed: %v", err)
	}
	return e.processOutputs(outputs)
}

func mustValue(n types.NilOrVal) types.ValueID {
	v, _ := n.Value()
	return v
}

func (e *Engine) processOutputs(outputs []driver.Output) error {
	for _, out := range outputs {
		if err := e.processOutput(out); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processOutput(out driver.Output) error {
	switch out.Kind {
	case driver.OutputNewRound:
		return e.startRound(out.Height, out.Round)

	case driver.OutputProposal:
		return e.emitProposal(out)

	case driver.OutputVote:
		return e.emitVote(out)

	case driver.OutputScheduleTimeout:
		if e.replaying {
			return nil
		}
		return e.handler.ScheduleTimeout(out.Round, out.Timeout)

	case driver.OutputGetValueAndScheduleTimeout:
		if e.replaying {
			return nil // the value, if one was produced, is in the log as EntryValue
		}
		if err := e.handler.ScheduleTimeout(out.Round, round.TimeoutPropose); err != nil {
			return errf("ScheduleTimeout failed: %v", err)
		}
		timeout := e.timerOptions.Duration(out.Round, round.TimeoutPropose)
		if err := e.handler.GetValue(out.Height, out.Round, timeout); err != nil {
			return errf("GetValue failed: %v", err)
		}
		return nil

	case driver.OutputDecision:
		return e.decide(out)

	default:
		return errf("unknown driver output kind=%d", uint8(out.Kind))
	}
}

// emitProposal signs and publishes a value the round machine asked this
// replica to propose. The proposal's proof-of-lock round is the round at
// which state.Valid was set if out.Value is that locked/valid value (the
// re-propose path of round.enterRound); otherwise it is Nil (a freshly-built
// value from proposeValue).
func (e *Engine) emitProposal(out driver.Output) error {
	if e.replaying {
		return nil // already signed, logged and published before the crash
	}
	polRound := types.NilRound
	state := e.driver.RoundState()
	if state.Valid != nil && state.Valid.Value.Equal(out.Value) {
		polRound = state.Valid.Round
	}
	proposal := types.Proposal{
		Height:          out.Height,
		Round:           out.Round,
		Value:           out.Value,
		PolRound:        polRound,
		ProposerAddress: e.ownAddress(),
	}
	signed, err := e.signer.SignProposal(proposal)
	if err != nil {
		return errf("SignProposal failed: %v", err)
	}
	if err := e.walAppend(wal.Entry{Kind: wal.EntryProposal, Proposal: signed, Valid: true}); err != nil {
		return err
	}
	return e.handler.PublishConsensusMsg(effect.ConsensusMsg{Kind: effect.ConsensusMsgProposal, Proposal: signed})
}

// emitVote signs (and, for a precommit with extensions enabled, extends)
// the vote the round machine asked this replica to cast.
func (e *Engine) emitVote(out driver.Output) error {
	if e.replaying {
		return nil // already signed, logged and published before the crash
	}
	vote := out.Vote
	if e.extensionsEnabled && vote.Type == types.Precommit {
		if valueID, isVal := vote.ValueID.Value(); isVal {
			signedExt, err := e.handler.ExtendVote(vote.Height, vote.Round, valueID)
			if err != nil {
				return errf("ExtendVote failed: %v", err)
			}
			if signedExt != nil {
				encoded, err := surge.ToBinary(*signedExt)
				if err != nil {
					return errf("cannot marshal vote extension: %v", err)
				}
				vote.Extension = encoded
				e.pendingExtensions[vote.ValidatorAddress] = *signedExt
			}
		}
	}
	signed, err := e.signer.SignVote(vote)
	if err != nil {
		return errf("SignVote failed: %v", err)
	}
	if err := e.walAppend(wal.Entry{Kind: wal.EntryVote, Vote: signed}); err != nil {
		return err
	}
	return e.handler.PublishConsensusMsg(effect.ConsensusMsg{Kind: effect.ConsensusMsgVote, Vote: signed})
}

// decide builds the CommitCertificate for the decided value from the
// precommits the vote keeper already tallied, gathers whatever extensions
// arrived with them, and notifies the host.
func (e *Engine) decide(out driver.Output) error {
	valueID := out.Value.ID()
	pr, ok := e.driver.VoteKeeper().PerRound(out.Round)
	if !ok {
		return errf("no tallied votes for decided round=%v", out.Round)
	}
	var commits []types.SignedVote
	extensions := make(map[types.Address]types.SignedExtension)
	for _, validator := range e.driver.ValidatorSet().Validators() {
		vote, ok := pr.GetVote(types.Precommit, validator.Address)
		if !ok {
			continue
		}
		v, isVal := vote.Vote.ValueID.Value()
		if !isVal || !v.Equal(valueID) {
			continue
		}
		commits = append(commits, vote)
		if ext, ok := e.pendingExtensions[validator.Address]; ok {
			extensions[validator.Address] = ext
		}
	}
	commitCert := cert.CommitCertificate{Height: out.Height, Round: out.Round, Value: valueID, Commits: commits}
	if err := e.handler.Decide(commitCert, extensions); err != nil {
		return errf("Decide failed: %v", err)
	}
	e.logger.Infof("decided height=%v round=%v value=%v", out.Height, out.Round, valueID)
	return e.handler.CancelAllTimeouts()
}
