package keychain

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

// DerivedKeyCount is the BIP-32 non-hardened child limit (2^31); no
// keychain is ever revealed past this index.
const DerivedKeyCount uint32 = 1 << 31

type spkRef[K comparable] struct {
	Keychain K
	Index    uint32
}

// KeychainTxOutIndex is a hierarchical script-pubkey index over one or more
// keychains, each backed by a Descriptor. It lazily reveals scripts up to a
// "last revealed" watermark per keychain, keeps a lookahead window of
// scripts derived ahead of that watermark so chain-discovered outputs are
// recognized before they are formally revealed, and records which outputs
// landed on which (keychain, index) pair.
//
// It is not internally synchronized; callers mutating it from more than one
// goroutine must provide their own exclusion.
type KeychainTxOutIndex[K comparable] struct {
	descriptors map[K]Descriptor
	lookahead   map[K]uint32
	lastRevealed map[K]uint32
	hasRevealed  map[K]bool

	scripts       map[K]map[uint32][]byte
	scriptToIndex map[string]spkRef[K]

	unused         map[K]map[uint32]bool
	manuallyMarked map[K]map[uint32]bool

	outputs         map[wire.OutPoint]spkRef[K]
	scriptOutpoints map[string]map[wire.OutPoint]bool
}

// NewKeychainTxOutIndex constructs an empty index with no registered
// keychains.
func NewKeychainTxOutIndex[K comparable]() *KeychainTxOutIndex[K] {
	return &KeychainTxOutIndex[K]{
		descriptors:     make(map[K]Descriptor),
		lookahead:       make(map[K]uint32),
		lastRevealed:    make(map[K]uint32),
		hasRevealed:     make(map[K]bool),
		scripts:         make(map[K]map[uint32][]byte),
		scriptToIndex:   make(map[string]spkRef[K]),
		unused:          make(map[K]map[uint32]bool),
		manuallyMarked:  make(map[K]map[uint32]bool),
		outputs:         make(map[wire.OutPoint]spkRef[K]),
		scriptOutpoints: make(map[string]map[wire.OutPoint]bool),
	}
}

// mustHave panics if keychain k has never been added — operating on an
// unregistered keychain is a programming error, not a recoverable one.
func (idx *KeychainTxOutIndex[K]) mustHave(k K) {
	if _, ok := idx.descriptors[k]; !ok {
		panic(fmt.Sprintf("keychain: keychain %v is not registered", k))
	}
}

// AddKeychain registers descriptor for k. Re-adding the same keychain with
// an identical descriptor (by Checksum) is a no-op. Re-adding it with a
// different descriptor panics.
func (idx *KeychainTxOutIndex[K]) AddKeychain(k K, desc Descriptor) {
	if existing, ok := idx.descriptors[k]; ok {
		if existing.Checksum() != desc.Checksum() {
			panic(fmt.Sprintf("keychain: keychain %v already has a different descriptor", k))
		}
		return
	}
	idx.descriptors[k] = desc
	idx.scripts[k] = make(map[uint32][]byte)
	idx.unused[k] = make(map[uint32]bool)
	idx.manuallyMarked[k] = make(map[uint32]bool)
	idx.replenishLookahead(k)
}

// replenishLookahead derives and inserts scripts across k's current
// lookahead window — [next_unrevealed, next_unrevealed+lookahead) — so the
// reverse index can recognize chain-discovered outputs before they are
// formally revealed. Mirrors the Rust original's replenish_lookahead;
// called whenever a keychain is registered or its lookahead window changes.
// insertScript is idempotent, so replaying this over an already-filled
// window is harmless.
func (idx *KeychainTxOutIndex[K]) replenishLookahead(k K) {
	desc := idx.descriptors[k]
	if !desc.HasWildcard() {
		return
	}
	w := idx.lookahead[k]
	if w == 0 {
		return
	}

	start := uint32(0)
	if idx.hasRevealed[k] {
		start = idx.lastRevealed[k] + 1
	}
	end := start + w - 1

	for i := start; i <= end; i++ {
		script, err := desc.Derive(i)
		if err != nil {
			break
		}
		idx.insertScript(k, i, script)
		if i == ^uint32(0) {
			break
		}
	}
}

// Descriptor returns the descriptor registered for k.
func (idx *KeychainTxOutIndex[K]) Descriptor(k K) Descriptor {
	idx.mustHave(k)
	return idx.descriptors[k]
}

// SetLookahead sets the lookahead window for k and eagerly replenishes it.
func (idx *KeychainTxOutIndex[K]) SetLookahead(k K, n uint32) {
	idx.mustHave(k)
	idx.lookahead[k] = n
	idx.replenishLookahead(k)
}

// SetAllLookaheads sets the lookahead window for every registered keychain
// and eagerly replenishes each of them.
func (idx *KeychainTxOutIndex[K]) SetAllLookaheads(n uint32) {
	for k := range idx.descriptors {
		idx.lookahead[k] = n
		idx.replenishLookahead(k)
	}
}

func (idx *KeychainTxOutIndex[K]) Lookahead(k K) uint32 {
	idx.mustHave(k)
	return idx.lookahead[k]
}

// LastRevealed returns the last revealed index for k, if any have been
// revealed yet.
func (idx *KeychainTxOutIndex[K]) LastRevealed(k K) (uint32, bool) {
	idx.mustHave(k)
	return idx.lastRevealed[k], idx.hasRevealed[k]
}

func (idx *KeychainTxOutIndex[K]) insertScript(k K, i uint32, script []byte) {
	if _, exists := idx.scripts[k][i]; exists {
		return
	}
	idx.scripts[k][i] = script
	idx.scriptToIndex[string(script)] = spkRef[K]{Keychain: k, Index: i}
	idx.unused[k][i] = true
}

// RevealTo reveals scripts for k up to target (clamped to 0 for non-wildcard
// descriptors and to DerivedKeyCount-1), maintaining the lookahead window
// past the new watermark. Derivation failure (hardened step, or exhaustion)
// silently stops the sequence rather than erroring — this is the same
// enumeration boundary the descriptor itself models, not a failure of the
// index. Returns the additions produced, empty if last_revealed did not
// advance.
func (idx *KeychainTxOutIndex[K]) RevealTo(k K, target uint32) DerivationAdditions[K] {
	idx.mustHave(k)
	desc := idx.descriptors[k]

	if !desc.HasWildcard() {
		target = 0
	}
	if target > DerivedKeyCount-1 {
		target = DerivedKeyCount - 1
	}

	L, hasL := idx.lastRevealed[k], idx.hasRevealed[k]
	if hasL && target < L+1 {
		return DerivationAdditions[K]{}
	}

	w := idx.lookahead[k]
	start := uint32(0)
	if hasL {
		start = L + 1 + w
	}
	end := target + w

	newLast, hasNewLast := L, hasL
	// Indices in (L, start) were already stored by the lookahead window; they
	// are revealed from the stored scripts rather than derived again.
	if hasL {
		for i := L + 1; i < start && i <= target; i++ {
			if _, ok := idx.scripts[k][i]; !ok {
				break
			}
			newLast = i
		}
	}
	for i := start; i <= end; i++ {
		script, err := desc.Derive(i)
		if err != nil {
			break
		}
		idx.insertScript(k, i, script)
		if i <= target {
			newLast, hasNewLast = i, true
		}
		if i == ^uint32(0) {
			break
		}
	}

	if !hasNewLast || (hasL && newLast <= L) {
		return DerivationAdditions[K]{}
	}
	idx.lastRevealed[k] = newLast
	idx.hasRevealed[k] = true
	return DerivationAdditions[K]{k: newLast}
}

// RevealAllTo reveals every keychain named in targets up to its target
// index, returning the combined additions.
func (idx *KeychainTxOutIndex[K]) RevealAllTo(targets map[K]uint32) DerivationAdditions[K] {
	out := DerivationAdditions[K]{}
	for k, t := range targets {
		out = out.Append(idx.RevealTo(k, t))
	}
	return out
}

// NextIndex reports the next derivation index for k and whether deriving it
// would actually advance the watermark (isNew=false signals exhaustion or a
// fixed descriptor already at its only index — callers must check this to
// avoid address reuse).
func (idx *KeychainTxOutIndex[K]) NextIndex(k K) (index uint32, isNew bool) {
	idx.mustHave(k)
	desc := idx.descriptors[k]
	L, hasL := idx.lastRevealed[k], idx.hasRevealed[k]

	if !hasL {
		return 0, true
	}
	if !desc.HasWildcard() {
		return 0, false
	}
	if L+1 >= DerivedKeyCount {
		return L, false
	}
	return L + 1, true
}

// RevealNextScriptPubkey advances last_revealed by one (subject to the
// wildcard/exhaustion caps) and returns the newly revealed script, its
// index, and the resulting additions.
func (idx *KeychainTxOutIndex[K]) RevealNextScriptPubkey(k K) ([]byte, uint32, DerivationAdditions[K]) {
	idx.mustHave(k)
	index, _ := idx.NextIndex(k)
	additions := idx.RevealTo(k, index)
	script := idx.scripts[k][index]
	return script, index, additions
}

// NextUnusedScriptPubkey returns the lowest-index revealed-and-unused
// script for k if one exists, otherwise reveals and returns a new one.
func (idx *KeychainTxOutIndex[K]) NextUnusedScriptPubkey(k K) ([]byte, uint32, DerivationAdditions[K]) {
	idx.mustHave(k)
	if L, hasL := idx.lastRevealed[k], idx.hasRevealed[k]; hasL {
		var candidates []uint32
		for i, unused := range idx.unused[k] {
			if unused && i <= L {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) > 0 {
			sort.Slice(candidates, func(a, b int) bool { return candidates[a] < candidates[b] })
			i := candidates[0]
			return idx.scripts[k][i], i, DerivationAdditions[K]{}
		}
	}
	return idx.RevealNextScriptPubkey(k)
}

// ScriptAt returns the script pubkey revealed (or looked-ahead) for
// (k, i), if derived.
func (idx *KeychainTxOutIndex[K]) ScriptAt(k K, i uint32) ([]byte, bool) {
	idx.mustHave(k)
	s, ok := idx.scripts[k][i]
	return s, ok
}

// IndexOf performs the reverse lookup from a script pubkey to its
// (keychain, index), if known to the index.
func (idx *KeychainTxOutIndex[K]) IndexOf(script []byte) (K, uint32, bool) {
	ref, ok := idx.scriptToIndex[string(script)]
	if !ok {
		var zero K
		return zero, 0, false
	}
	return ref.Keychain, ref.Index, true
}

// MarkUsed manually marks (k, i) as used. Returns false if it was already
// used or never derived.
func (idx *KeychainTxOutIndex[K]) MarkUsed(k K, i uint32) bool {
	idx.mustHave(k)
	if unused, ok := idx.unused[k][i]; !ok || !unused {
		return false
	}
	idx.unused[k][i] = false
	idx.manuallyMarked[k][i] = true
	return true
}

// UnmarkUsed reverses a manual MarkUsed. Entries marked used by a scan are
// sticky and cannot be unmarked — only a manual mark can be undone.
func (idx *KeychainTxOutIndex[K]) UnmarkUsed(k K, i uint32) bool {
	idx.mustHave(k)
	if !idx.manuallyMarked[k][i] {
		return false
	}
	idx.unused[k][i] = true
	delete(idx.manuallyMarked[k], i)
	return true
}

func (idx *KeychainTxOutIndex[K]) recordOutput(k K, i uint32, op wire.OutPoint) {
	idx.outputs[op] = spkRef[K]{Keychain: k, Index: i}
	script := idx.scripts[k][i]
	key := string(script)
	if idx.scriptOutpoints[key] == nil {
		idx.scriptOutpoints[key] = make(map[wire.OutPoint]bool)
	}
	idx.scriptOutpoints[key][op] = true
}

// ScanTxout checks txout's script pubkey against the reverse index. If it
// matches a derived (keychain, index), the output is recorded, that entry
// is removed from the unused set, and the keychain is revealed up to that
// index (a chain-observed script must be considered revealed; lookahead was
// only ever a discovery optimization). Returns the resulting additions,
// empty if the script is unknown to the index.
func (idx *KeychainTxOutIndex[K]) ScanTxout(op wire.OutPoint, txout *wire.TxOut) DerivationAdditions[K] {
	k, i, ok := idx.IndexOf(txout.PkScript)
	if !ok {
		return DerivationAdditions[K]{}
	}
	idx.recordOutput(k, i, op)
	idx.unused[k][i] = false
	return idx.RevealTo(k, i)
}

// Scan folds ScanTxout over a batch of outputs, accumulating additions via
// Append — the pointwise-max monoid makes repeated scans over overlapping
// batches idempotent.
func (idx *KeychainTxOutIndex[K]) Scan(txouts map[wire.OutPoint]*wire.TxOut) DerivationAdditions[K] {
	result := DerivationAdditions[K]{}
	for op, txout := range txouts {
		result = result.Append(idx.ScanTxout(op, txout))
	}
	return result
}

// ApplyAdditions replays additions onto the index. Applied to a fresh
// index sharing the same descriptors, it reconstructs the same
// last_revealed watermarks and script-pubkey set the additions were
// generated from.
func (idx *KeychainTxOutIndex[K]) ApplyAdditions(additions DerivationAdditions[K]) {
	for k, target := range additions {
		idx.RevealTo(k, target)
	}
}

// Revealed returns the revealed indices for k in ascending order.
func (idx *KeychainTxOutIndex[K]) Revealed(k K) []uint32 {
	idx.mustHave(k)
	if !idx.hasRevealed[k] {
		return nil
	}
	L := idx.lastRevealed[k]
	out := make([]uint32, 0, L+1)
	for i := uint32(0); i <= L; i++ {
		out = append(out, i)
	}
	return out
}

// Unused returns the revealed-and-unused indices for k in ascending order.
func (idx *KeychainTxOutIndex[K]) Unused(k K) []uint32 {
	idx.mustHave(k)
	if !idx.hasRevealed[k] {
		return nil
	}
	L := idx.lastRevealed[k]
	var out []uint32
	for i := uint32(0); i <= L; i++ {
		if idx.unused[k][i] {
			out = append(out, i)
		}
	}
	return out
}

// KeychainTxouts returns the outpoints recorded against k.
func (idx *KeychainTxOutIndex[K]) KeychainTxouts(k K) []wire.OutPoint {
	idx.mustHave(k)
	var out []wire.OutPoint
	for op, ref := range idx.outputs {
		if ref.Keychain == k {
			out = append(out, op)
		}
	}
	return out
}

// LastUsedIndex returns the highest index k has an observed output against,
// per KeychainTxouts — a manual MarkUsed with no scanned output does not
// count, matching keychain_txouts(..).last() in the grounding source.
func (idx *KeychainTxOutIndex[K]) LastUsedIndex(k K) (uint32, bool) {
	idx.mustHave(k)
	var last uint32
	found := false
	for op := range idx.outputs {
		ref := idx.outputs[op]
		if ref.Keychain != k {
			continue
		}
		if !found || ref.Index > last {
			last, found = ref.Index, true
		}
	}
	return last, found
}

// LastUsedIndexes returns LastUsedIndex for every registered keychain that
// has one.
func (idx *KeychainTxOutIndex[K]) LastUsedIndexes() map[K]uint32 {
	out := make(map[K]uint32)
	for k := range idx.descriptors {
		if i, ok := idx.LastUsedIndex(k); ok {
			out[k] = i
		}
	}
	return out
}
