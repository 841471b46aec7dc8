// Package proposal keeps every Proposal seen so far for a height, alongside
// any Value that has independently arrived for its round, so the driver can
// join whichever half of (Proposal, Value) shows up first with the other
// half whenever both are present. Each round holds a list of entries, not a
// single slot, so that two proposals from an equivocating proposer for the
// same (height, round) but different values are both retained rather than
// the second silently overwriting the first.
package proposal

import (
	"github.com/renproject/tendermint-core/types"
)

// EntryKind names which half(s) of a (Proposal, Value) pair an Entry holds.
type EntryKind uint8

const (
	// EntryProposalOnly: the Proposal has arrived but its Value has not
	// been independently validated/received yet.
	EntryProposalOnly EntryKind = iota
	// EntryValueOnly: a Value arrived (e.g. from a value-sync) with no
	// matching Proposal yet.
	EntryValueOnly
	// EntryFull: both halves are present, plus whether the Value was judged
	// valid.
	EntryFull
)

// Entry is the join state for one round's proposed value. A round may hold
// several Entries at once: one per distinct value-id a proposal or value
// has named (ordinarily one, or two under proposer equivocation).
type Entry struct {
	Kind     EntryKind
	Proposal types.Proposal // set for EntryProposalOnly / EntryFull
	Value    types.Value    // set for EntryValueOnly / EntryFull
	Valid    bool           // set for EntryFull
}

func (e Entry) valueID() (types.ValueID, bool) {
	switch e.Kind {
	case EntryFull, EntryProposalOnly:
		return e.Proposal.Value.ID(), true
	case EntryValueOnly:
		return e.Value.ID(), true
	default:
		return types.ValueID{}, false
	}
}

// Keeper stores, per round, a list of Entry — one per distinct value-id a
// proposal or value has named for that (height, round).
type Keeper struct {
	entries map[types.Round][]Entry
}

// NewKeeper constructs an empty Keeper.
func NewKeeper() *Keeper {
	return &Keeper{entries: make(map[types.Round][]Entry)}
}

// Reset discards every entry, for starting a fresh height.
func (k *Keeper) Reset() {
	k.entries = make(map[types.Round][]Entry)
}

// Get returns the first EntryFull recorded for round, if any. Under
// equivocation (two differently-valued EntryFull for the same round) the
// choice among them is arbitrary; detecting and reporting the conflict is
// left to the caller, which can use EntriesAt to see both.
func (k *Keeper) Get(round types.Round) (Entry, bool) {
	for _, e := range k.entries[round] {
		if e.Kind == EntryFull {
			return e, true
		}
	}
	return Entry{}, false
}

// GetByValue returns the EntryFull recorded for round naming valueID.
func (k *Keeper) GetByValue(round types.Round, valueID types.ValueID) (Entry, bool) {
	for _, e := range k.entries[round] {
		if e.Kind == EntryFull && e.Proposal.Value.ID().Equal(valueID) {
			return e, true
		}
	}
	return Entry{}, false
}

// GetByProposer returns the EntryFull recorded for round whose Proposal was
// signed by proposer.
func (k *Keeper) GetByProposer(round types.Round, proposer types.Address) (Entry, bool) {
	for _, e := range k.entries[round] {
		if e.Kind == EntryFull && e.Proposal.ProposerAddress == proposer {
			return e, true
		}
	}
	return Entry{}, false
}

// EntriesAt returns every Entry recorded for round, in arrival order,
// including equivocating proposals the driver may want to detect.
func (k *Keeper) EntriesAt(round types.Round) []Entry {
	return k.entries[round]
}

// getValue looks up a value-id seen (as EntryFull or EntryValueOnly) at
// (round, valueID).
func (k *Keeper) getValue(round types.Round, valueID types.ValueID) (types.Value, bool, bool) {
	for _, e := range k.entries[round] {
		switch e.Kind {
		case EntryFull:
			if e.Proposal.Value.ID().Equal(valueID) {
				return e.Proposal.Value, e.Valid, true
			}
		case EntryValueOnly:
			if e.Value.ID().Equal(valueID) {
				return e.Value, e.Valid, true
			}
		}
	}
	return types.Value{}, false, false
}

// ApplyProposal records a Proposal for its round. A proposal naming a
// value-id already present at this round (Full or ProposalOnly with the
// same value) is redundant and ignored; otherwise it either joins a
// ValueOnly entry into Full, forms a fresh Full entry against a
// polka-previous value (a PolRound lookup), or is appended as a new
// ProposalOnly/Full entry — never overwriting an existing entry for a
// different value-id, so a second proposer message for the same round with
// a different value (equivocation) is kept alongside the first rather than
// replacing it. isValid is supplied by the host's application-level
// validity check.
func (k *Keeper) ApplyProposal(proposal types.Proposal, isValid bool) (Entry, bool) {
	round := proposal.Round
	valueID := proposal.Value.ID()

	existing := k.entries[round]
	for i, e := range existing {
		switch e.Kind {
		case EntryFull, EntryProposalOnly:
			if e.Proposal.Value.ID().Equal(valueID) {
				return e, false // redundant
			}
		case EntryValueOnly:
			if e.Value.ID().Equal(valueID) {
				full := Entry{Kind: EntryFull, Proposal: proposal, Value: e.Value, Valid: isValid}
				existing[i] = full
				k.entries[round] = existing
				return full, true
			}
		}
	}

	entry := k.newEntry(proposal, isValid)
	k.entries[round] = append(k.entries[round], entry)
	return entry, entry.Kind == EntryFull
}

// newEntry builds the join state a fresh proposal starts in. A
// types.Proposal carries its Value inline, so a Nil-PolRound proposal
// already holds both halves of the join and is recorded Full immediately.
// One with a defined PolRound still needs the L28 cross-round confirmation
// — a value independently seen as valid at that proof-of-lock round — so
// it is only promoted to Full once getValue finds that confirmation, and
// stored bare (ProposalOnly) to be promoted later by ApplyValue otherwise.
func (k *Keeper) newEntry(proposal types.Proposal, isValid bool) Entry {
	if proposal.PolRound.IsNil() {
		return Entry{Kind: EntryFull, Proposal: proposal, Value: proposal.Value, Valid: isValid}
	}
	value, valid, ok := k.getValue(proposal.PolRound, proposal.Value.ID())
	if !ok {
		return Entry{Kind: EntryProposalOnly, Proposal: proposal}
	}
	return Entry{Kind: EntryFull, Proposal: proposal, Value: value, Valid: valid && isValid}
}

// ApplyValue records a Value that arrived independently of a Proposal (for
// instance via the valid-round re-propose path or a value-sync). It joins
// the value against (a) a ProposalOnly slot at its own round (store at the
// value's round) and (b) any ProposalOnly entry at a round >= the value's
// round whose PolRound equals the value's round (the L28 cross-round join).
func (k *Keeper) ApplyValue(round types.Round, value types.Value, isValid bool) []Entry {
	var upgraded []Entry

	valueID := value.ID()
	atRound := k.entries[round]
	joined := false
	for i, e := range atRound {
		switch e.Kind {
		case EntryProposalOnly:
			if e.Proposal.Value.ID().Equal(valueID) {
				full := Entry{Kind: EntryFull, Proposal: e.Proposal, Value: value, Valid: isValid}
				atRound[i] = full
				upgraded = append(upgraded, full)
				joined = true
			}
		case EntryValueOnly, EntryFull:
			if vid, ok := e.valueID(); ok && vid.Equal(valueID) {
				joined = true // already present, nothing to do
			}
		}
	}
	if !joined {
		atRound = append(atRound, Entry{Kind: EntryValueOnly, Value: value, Valid: isValid})
	}
	k.entries[round] = atRound

	for r, es := range k.entries {
		if r <= round {
			continue
		}
		for i, e := range es {
			if e.Kind != EntryProposalOnly {
				continue
			}
			if !e.Proposal.Value.ID().Equal(valueID) {
				continue
			}
			if e.Proposal.Round != round && e.Proposal.PolRound != round {
				continue
			}
			full := Entry{Kind: EntryFull, Proposal: e.Proposal, Value: value, Valid: isValid}
			es[i] = full
			upgraded = append(upgraded, full)
		}
		k.entries[r] = es
	}

	return upgraded
}

// ApplyProposalOnly records a Proposal whose Value has not yet been fetched
// or validated (e.g. only a value-id was gossiped so far), without running
// the redundancy/polka-join checks ApplyProposal performs — used by hosts
// that stream proposal parts and only synthesize the full types.Proposal
// once the value-id (not yet the bytes) is known.
func (k *Keeper) ApplyProposalOnly(proposal types.Proposal) {
	for _, e := range k.entries[proposal.Round] {
		if e.Kind != EntryFull && e.Kind != EntryProposalOnly {
			continue
		}
		if id, ok := e.valueID(); ok && id.Equal(proposal.Value.ID()) {
			return
		}
	}
	k.entries[proposal.Round] = append(k.entries[proposal.Round], Entry{Kind: EntryProposalOnly, Proposal: proposal})
}

// FindValidPolkaPrevious scans rounds below upTo looking for a ProposalOnly
// or Full entry, supporting the round machine's ProposalAndPolkaPrevious
// input (Ref L28).
func (k *Keeper) FindValidPolkaPrevious(upTo types.Round) []Entry {
	var matches []Entry
	for r, es := range k.entries {
		if r >= upTo {
			continue
		}
		for _, e := range es {
			if e.Kind == EntryFull || e.Kind == EntryProposalOnly {
				matches = append(matches, e)
			}
		}
	}
	return matches
}
