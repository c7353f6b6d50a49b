package keychain

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

// fakeDescriptor derives a deterministic, distinguishable script per index
// without needing real secp256k1 key material, so tests can exercise the
// index's reveal/lookahead bookkeeping in isolation from BIP-32 derivation.
type fakeDescriptor struct {
	wildcard  bool
	failAt    uint32
	hasFailAt bool
}

func (d *fakeDescriptor) HasWildcard() bool { return d.wildcard }

func (d *fakeDescriptor) Derive(index uint32) ([]byte, error) {
	if d.hasFailAt && index >= d.failAt {
		return nil, errors.New("fake: derivation boundary reached")
	}
	return []byte{byte(index >> 24), byte(index >> 16), byte(index >> 8), byte(index)}, nil
}

func (d *fakeDescriptor) WitnessVersion() (int, bool) { return 0, true }

func (d *fakeDescriptor) Checksum() string {
	if d.wildcard {
		return "fake-wildcard"
	}
	return "fake-fixed"
}

func TestDerivationAdditionsAppend(t *testing.T) {
	// S1: additions append.
	a := DerivationAdditions[string]{"One": 7, "Two": 0, "Three": 3}
	b := DerivationAdditions[string]{"One": 3, "Two": 5, "Four": 4}

	got := a.Append(b)

	want := DerivationAdditions[string]{"One": 7, "Two": 5, "Three": 3, "Four": 4}
	if len(got) != len(want) {
		t.Fatalf("Append result has %d entries, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Append()[%s] = %d, want %d", k, got[k], v)
		}
	}
}

func TestDerivationAdditionsAppendIdentity(t *testing.T) {
	a := DerivationAdditions[string]{"One": 7}
	got := a.Append(DerivationAdditions[string]{})
	if got["One"] != 7 || len(got) != 1 {
		t.Errorf("appending the empty map changed the result: %v", got)
	}
}

func TestLookaheadCatchesOutput(t *testing.T) {
	// S4: a never-revealed wildcard keychain with lookahead=5 observes a
	// txout at derivation index 3.
	idx := NewKeychainTxOutIndex[string]()
	idx.AddKeychain("k", &fakeDescriptor{wildcard: true})
	idx.SetLookahead("k", 5)

	script, ok := idx.ScriptAt("k", 3)
	if !ok {
		t.Fatalf("expected index 3 to be derivable within the lookahead window before any reveal")
	}

	op := wire.OutPoint{Hash: [32]byte{1}, Index: 0}
	additions := idx.ScanTxout(op, &wire.TxOut{Value: 1000, PkScript: script})

	last, ok := idx.LastRevealed("k")
	if !ok || last != 3 {
		t.Errorf("last_revealed = (%d, %v), want (3, true)", last, ok)
	}
	if len(additions) != 1 || additions["k"] != 3 {
		t.Errorf("additions = %v, want {k: 3}", additions)
	}
	for i := uint32(0); i <= 8; i++ {
		if _, ok := idx.ScriptAt("k", i); !ok {
			t.Errorf("expected index %d to be derived (reveal watermark 3 + lookahead 5)", i)
		}
	}
	if _, ok := idx.ScriptAt("k", 9); ok {
		t.Errorf("index 9 should be outside the lookahead window")
	}
}

func TestScanIdempotent(t *testing.T) {
	idx := NewKeychainTxOutIndex[string]()
	idx.AddKeychain("k", &fakeDescriptor{wildcard: true})
	idx.SetLookahead("k", 2)

	script, _ := idx.ScriptAt("k", 1)
	op := wire.OutPoint{Hash: [32]byte{2}, Index: 0}
	txout := &wire.TxOut{Value: 500, PkScript: script}

	first := idx.Scan(map[wire.OutPoint]*wire.TxOut{op: txout})
	last1, _ := idx.LastRevealed("k")

	second := idx.Scan(map[wire.OutPoint]*wire.TxOut{op: txout})
	last2, _ := idx.LastRevealed("k")

	if last1 != last2 {
		t.Errorf("scanning twice changed last_revealed: %d then %d", last1, last2)
	}
	if len(second) != 0 {
		t.Errorf("second identical scan should produce no additions, got %v", second)
	}
	if first["k"] != 1 {
		t.Errorf("first scan additions = %v, want {k: 1}", first)
	}
}

func TestNonWildcardDescriptorClampsToZero(t *testing.T) {
	idx := NewKeychainTxOutIndex[string]()
	idx.AddKeychain("k", &fakeDescriptor{wildcard: false})

	additions := idx.RevealTo("k", 50)
	last, ok := idx.LastRevealed("k")
	if !ok || last != 0 {
		t.Fatalf("last_revealed = (%d, %v), want (0, true) for a fixed descriptor", last, ok)
	}
	if additions["k"] != 0 {
		t.Errorf("additions = %v, want {k: 0}", additions)
	}

	index, isNew := idx.NextIndex("k")
	if index != 0 || isNew {
		t.Errorf("NextIndex() = (%d, %v), want (0, false) once a fixed descriptor is revealed", index, isNew)
	}
}

func TestRevealToDerivationFailureShortCircuits(t *testing.T) {
	idx := NewKeychainTxOutIndex[string]()
	idx.AddKeychain("k", &fakeDescriptor{wildcard: true, hasFailAt: true, failAt: 4})

	additions := idx.RevealTo("k", 10)
	last, ok := idx.LastRevealed("k")
	if !ok || last != 3 {
		t.Fatalf("last_revealed = (%d, %v), want (3, true) — derivation fails at index 4", last, ok)
	}
	if additions["k"] != 3 {
		t.Errorf("additions = %v, want {k: 3}", additions)
	}
}

func TestMarkUsedScanStickyVsManual(t *testing.T) {
	idx := NewKeychainTxOutIndex[string]()
	idx.AddKeychain("k", &fakeDescriptor{wildcard: true})

	idx.RevealTo("k", 2)

	if !idx.MarkUsed("k", 0) {
		t.Fatalf("MarkUsed(0) should succeed on a freshly revealed, unused index")
	}
	if !idx.UnmarkUsed("k", 0) {
		t.Errorf("UnmarkUsed should restore a manually-marked index")
	}

	script, _ := idx.ScriptAt("k", 1)
	idx.ScanTxout(wire.OutPoint{Hash: [32]byte{3}}, &wire.TxOut{Value: 1, PkScript: script})
	if idx.UnmarkUsed("k", 1) {
		t.Errorf("UnmarkUsed should refuse to restore a scan-marked index")
	}
}

func TestAddKeychainIdempotentAndConflict(t *testing.T) {
	idx := NewKeychainTxOutIndex[string]()
	d := &fakeDescriptor{wildcard: true}
	idx.AddKeychain("k", d)
	idx.AddKeychain("k", d) // idempotent, same descriptor

	defer func() {
		if recover() == nil {
			t.Errorf("expected AddKeychain with a conflicting descriptor to panic")
		}
	}()
	idx.AddKeychain("k", &fakeDescriptor{wildcard: false})
}

func TestMustHavePanicsOnUnregisteredKeychain(t *testing.T) {
	idx := NewKeychainTxOutIndex[string]()
	defer func() {
		if recover() == nil {
			t.Errorf("expected operating on an unregistered keychain to panic")
		}
	}()
	idx.RevealTo("missing", 1)
}

func TestApplyAdditionsReplay(t *testing.T) {
	source := NewKeychainTxOutIndex[string]()
	source.AddKeychain("k", &fakeDescriptor{wildcard: true})
	source.SetLookahead("k", 3)
	additions := source.RevealTo("k", 10)

	replay := NewKeychainTxOutIndex[string]()
	replay.AddKeychain("k", &fakeDescriptor{wildcard: true})
	replay.SetLookahead("k", 3)
	replay.ApplyAdditions(additions)

	sourceLast, _ := source.LastRevealed("k")
	replayLast, _ := replay.LastRevealed("k")
	if sourceLast != replayLast {
		t.Errorf("replayed last_revealed = %d, want %d", replayLast, sourceLast)
	}
	for _, i := range source.Revealed("k") {
		sourceScript, _ := source.ScriptAt("k", i)
		replayScript, ok := replay.ScriptAt("k", i)
		if !ok || string(sourceScript) != string(replayScript) {
			t.Errorf("replayed script at %d = %v, want %v", i, replayScript, sourceScript)
		}
	}
}
