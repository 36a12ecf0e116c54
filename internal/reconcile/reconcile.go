// Package reconcile folds a run's stream events into a session transcript.
//
// Apply is a pure transition function: it never mutates its input State and
// returns a fresh State together with an Effect describing what changed. The
// rules keep tool-call cards, their results and the final assistant reply in
// a stable order even though the service delivers them as overlapping,
// cumulative deltas.
package reconcile

import (
	"sort"
	"strings"

	"github.com/opencode-ai/runchat/pkg/types"
)

// NoSlot marks an unset slot index.
const NoSlot = -1

// GateMode selects when a tool-call slot stops holding back final text.
type GateMode int

const (
	// GateAllResults opens the gate once every announced tool call has a result.
	GateAllResults GateMode = iota
	// GateFirstResult opens the gate on the first tool result of the run.
	GateFirstResult
)

// Options tune reconciliation.
type Options struct {
	Gate GateMode
}

// Bookkeeping is the per-run slot state.
type Bookkeeping struct {
	// Base is the transcript length when the run started. Entries before it
	// belong to earlier runs and are never spliced around.
	Base int

	ToolCallSlot   int
	StreamingSlot  int
	ToolsCompleted bool
	// SlotResults counts tool results accepted since ToolCallSlot opened.
	SlotResults int

	// SeenToolResults holds ToolResultKey values of accepted tool results.
	SeenToolResults map[string]struct{}
	// PendingToolCalls holds tool call ids still waiting for a result.
	PendingToolCalls map[string]struct{}
	// ResolvedToolCalls holds tool call ids that already have a result.
	ResolvedToolCalls map[string]struct{}
}

// NewBookkeeping returns bookkeeping for a fresh run.
func NewBookkeeping() Bookkeeping {
	return Bookkeeping{
		ToolCallSlot:      NoSlot,
		StreamingSlot:     NoSlot,
		SeenToolResults:   map[string]struct{}{},
		PendingToolCalls:  map[string]struct{}{},
		ResolvedToolCalls: map[string]struct{}{},
	}
}

// Pending returns the pending tool call ids, sorted.
func (b Bookkeeping) Pending() []string {
	out := make([]string, 0, len(b.PendingToolCalls))
	for id := range b.PendingToolCalls {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b Bookkeeping) clone() Bookkeeping {
	out := b
	out.SeenToolResults = cloneSet(b.SeenToolResults)
	out.PendingToolCalls = cloneSet(b.PendingToolCalls)
	out.ResolvedToolCalls = cloneSet(b.ResolvedToolCalls)
	return out
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// State is a transcript plus the bookkeeping of the run feeding it.
type State struct {
	Transcript []types.Message
	Book       Bookkeeping
}

// Reset starts a new run over transcript.
func Reset(transcript []types.Message) State {
	book := NewBookkeeping()
	book.Base = len(transcript)
	return State{Transcript: types.CloneMessages(transcript), Book: book}
}

// Effect reports what an application did.
type Effect struct {
	// Changed is set when the transcript or bookkeeping was modified.
	Changed bool
	// Metadata is set for metadata events.
	Metadata *types.RunMetadata
}

// Apply folds ev into s with the default options.
func Apply(s State, ev types.StreamEvent) (State, Effect) {
	return Options{}.Apply(s, ev)
}

// Apply folds ev into s.
func (o Options) Apply(s State, ev types.StreamEvent) (State, Effect) {
	switch e := ev.(type) {
	case types.MetadataEvent:
		return s, Effect{Metadata: &types.RunMetadata{ThreadID: e.ThreadID, RunID: e.RunID}}
	case types.MessageDeltaEvent:
		return o.applyMessages(s, e.Messages)
	case types.MessageCompleteEvent:
		return o.applyMessages(s, e.Messages)
	default:
		// UpdatesRaw and unknown events are informational.
		return s, Effect{}
	}
}

func (o Options) applyMessages(s State, msgs []types.Message) (State, Effect) {
	if len(msgs) == 0 {
		return s, Effect{}
	}
	r := &run{
		opts:       o,
		transcript: types.CloneMessages(s.Transcript),
		book:       s.Book.clone(),
	}
	r.normalize()
	for _, m := range msgs {
		r.apply(m.Clone())
	}
	if !r.changed {
		return s, Effect{}
	}
	return State{Transcript: r.transcript, Book: r.book}, Effect{Changed: true}
}

// run is the mutable working copy of one application.
type run struct {
	opts       Options
	transcript []types.Message
	book       Bookkeeping
	changed    bool
}

func (r *run) normalize() {
	n := len(r.transcript)
	if r.book.Base < 0 || r.book.Base > n {
		r.book.Base = n
	}
	if r.book.ToolCallSlot < 0 || r.book.ToolCallSlot >= n {
		r.book.ToolCallSlot = NoSlot
	}
	if r.book.StreamingSlot < 0 || r.book.StreamingSlot >= n {
		r.book.StreamingSlot = NoSlot
	}
	if r.book.SeenToolResults == nil {
		r.book.SeenToolResults = map[string]struct{}{}
	}
	if r.book.PendingToolCalls == nil {
		r.book.PendingToolCalls = map[string]struct{}{}
	}
	if r.book.ResolvedToolCalls == nil {
		r.book.ResolvedToolCalls = map[string]struct{}{}
	}
}

func (r *run) apply(m types.Message) {
	if m.Role == types.RoleHuman {
		// Echo of local input; already in the transcript.
		return
	}
	if i := r.identityMatch(m); i >= 0 {
		r.applyIdentity(i, m)
		return
	}
	switch {
	case m.IsToolCallSlot():
		r.applyToolCall(m)
	case m.IsFinalText():
		r.applyFinalText(m)
	case m.Role == types.RoleTool:
		r.applyToolResult(m)
	}
}

// identityMatch returns the newest entry with m's id and role, or -1.
func (r *run) identityMatch(m types.Message) int {
	if m.ID == "" {
		return -1
	}
	for i := len(r.transcript) - 1; i >= 0; i-- {
		e := r.transcript[i]
		if e.ID == m.ID && e.Role == m.Role {
			return i
		}
	}
	return -1
}

func (r *run) applyIdentity(i int, m types.Message) {
	e := r.transcript[i]
	switch {
	case e.IsToolCallSlot() && m.IsFinalText():
		// Overwriting would hide the tool-call card.
		r.applyFinalText(m)

	case m.Role == types.RoleTool:
		r.transcript[i] = m
		r.changed = true
		r.recordToolResult(m)

	case m.IsToolCallSlot():
		r.transcript[i] = m
		r.changed = true
		if i < r.book.Base {
			return
		}
		if r.book.StreamingSlot == i {
			r.book.StreamingSlot = NoSlot
		}
		if r.book.ToolCallSlot == NoSlot || i > r.book.ToolCallSlot {
			r.openSlot(i)
		}
		r.registerToolCalls(m)

	default:
		if isBlank(m.Content) {
			return
		}
		r.transcript[i] = m
		r.changed = true
	}
}

func (r *run) applyToolCall(m types.Message) {
	slot := r.book.ToolCallSlot
	if slot == NoSlot || r.isNextRound(r.transcript[slot], m) {
		r.transcript = append(r.transcript, m)
		r.openSlot(len(r.transcript) - 1)
	} else {
		r.transcript[slot] = m
	}
	r.changed = true
	r.registerToolCalls(m)
}

// isNextRound reports whether m starts a second tool round after a completed slot.
func (r *run) isNextRound(slot, m types.Message) bool {
	return r.book.ToolsCompleted && m.ID != "" && slot.ID != "" && m.ID != slot.ID
}

func (r *run) openSlot(i int) {
	r.book.ToolCallSlot = i
	r.book.ToolsCompleted = false
	r.book.SlotResults = 0
	r.book.StreamingSlot = NoSlot
	r.changed = true
}

func (r *run) registerToolCalls(m types.Message) {
	for _, tc := range m.ToolCalls {
		if tc.ID == "" {
			continue
		}
		if _, done := r.book.ResolvedToolCalls[tc.ID]; done {
			continue
		}
		r.book.PendingToolCalls[tc.ID] = struct{}{}
	}
	if r.opts.Gate == GateAllResults {
		r.book.ToolsCompleted = r.book.ToolCallSlot != NoSlot && len(r.book.PendingToolCalls) == 0 &&
			r.book.SlotResults > 0
	}
}

func (r *run) applyFinalText(m types.Message) {
	if isBlank(m.Content) {
		return
	}
	if r.book.ToolCallSlot != NoSlot && !r.book.ToolsCompleted {
		// Deltas are cumulative; a later one supersedes this.
		return
	}
	if r.book.StreamingSlot != NoSlot {
		r.transcript[r.book.StreamingSlot] = m
		r.changed = true
		return
	}

	at := len(r.transcript)
	if r.book.ToolCallSlot != NoSlot {
		at = r.book.ToolCallSlot + 1
		for at < len(r.transcript) && r.transcript[at].Role == types.RoleTool {
			at++
		}
	}
	r.insert(at, m)
	r.book.StreamingSlot = at
}

func (r *run) applyToolResult(m types.Message) {
	if _, seen := r.book.SeenToolResults[m.ToolResultKey()]; seen {
		return
	}

	at := len(r.transcript)
	for i := len(r.transcript) - 1; i >= r.book.Base; i-- {
		e := r.transcript[i]
		if e.Role == types.RoleTool {
			continue
		}
		if e.IsFinalText() {
			at = i
			continue
		}
		break
	}
	r.insert(at, m)
	r.recordToolResult(m)
}

func (r *run) recordToolResult(m types.Message) {
	r.book.SeenToolResults[m.ToolResultKey()] = struct{}{}
	if m.ToolCallID != "" {
		delete(r.book.PendingToolCalls, m.ToolCallID)
		r.book.ResolvedToolCalls[m.ToolCallID] = struct{}{}
	}
	r.book.SlotResults++
	switch r.opts.Gate {
	case GateFirstResult:
		r.book.ToolsCompleted = true
	default:
		r.book.ToolsCompleted = r.book.ToolCallSlot != NoSlot && len(r.book.PendingToolCalls) == 0
	}
	r.changed = true
}

// insert splices m in at index at, shifting slots at or after it.
func (r *run) insert(at int, m types.Message) {
	r.transcript = append(r.transcript, types.Message{})
	copy(r.transcript[at+1:], r.transcript[at:])
	r.transcript[at] = m
	if r.book.StreamingSlot != NoSlot && r.book.StreamingSlot >= at {
		r.book.StreamingSlot++
	}
	if r.book.ToolCallSlot != NoSlot && r.book.ToolCallSlot >= at {
		r.book.ToolCallSlot++
	}
	r.changed = true
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
