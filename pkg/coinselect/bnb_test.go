package coinselect

import "testing"

func TestBnbExactlyEnoughPreselected(t *testing.T) {
	// S2: three 100_000 candidates, target 200_000, zero feerate, with
	// {0,1} preselected — BnB should return exactly {0,1} with a single
	// ToFee strategy at zero excess.
	candidates := []WeightedValue{
		{Value: 100_000, Weight: 100, InputCount: 1},
		{Value: 100_000, Weight: 100, InputCount: 1},
		{Value: 100_000, Weight: 100, InputCount: 1},
	}
	opts := CoinSelectorOpt{TargetValue: 200_000, TargetFeerate: 0}
	cs := NewCoinSelector(candidates, opts)
	cs.Select(0)
	cs.Select(1)

	result, ok := BnbSelect(cs, 1000)
	if !ok {
		t.Fatalf("expected a solution")
	}
	got := result.SelectedIndices()
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("SelectedIndices() = %v, want [0 1]", got)
	}

	sel, err := result.Finish()
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	if len(sel.Strategies) != 1 {
		t.Fatalf("expected exactly one excess strategy, got %d: %v", len(sel.Strategies), sel.Strategies)
	}
	toFee, ok := sel.Strategies[ToFee]
	if !ok {
		t.Fatalf("expected a ToFee strategy")
	}
	if toFee.Fee != 0 {
		t.Errorf("ToFee.Fee = %d, want 0 at zero feerate with an exact match", toFee.Fee)
	}
}

func TestBnbInsufficientFunds(t *testing.T) {
	// S3: two 100_000 candidates, target 200_000, non-zero feerate —
	// every candidate's own fee eats into effective value so the pool
	// cannot reach the effective lower bound.
	candidates := []WeightedValue{
		{Value: 100_000, Weight: 200, InputCount: 1},
		{Value: 100_000, Weight: 200, InputCount: 1},
	}
	opts := CoinSelectorOpt{TargetValue: 200_000, TargetFeerate: 1.0}
	cs := NewCoinSelector(candidates, opts)

	if _, ok := BnbSelect(cs, 1000); ok {
		t.Fatalf("expected no solution when fees exceed the available headroom")
	}
}

func TestBnbCostOfChangeBounds(t *testing.T) {
	// Analogue of S5: with min_absolute_fee=0, base_weight=0 and a
	// feerate of 0, effective value equals absolute value for every
	// candidate, and drain_weight's own ceil-fee contribution is zero —
	// collapsing the lower/upper absolute bound to a single point equal
	// to target_value. Only a subset that sums to exactly target_value
	// can satisfy both current<=upper and current>=lower simultaneously.
	candidates := []WeightedValue{
		{Value: 100_000, Weight: 100, InputCount: 1},
		{Value: 100_000, Weight: 100, InputCount: 1},
		{Value: 100_000, Weight: 100, InputCount: 1},
	}
	base := CoinSelectorOpt{TargetFeerate: 0, DrainWeight: 100}

	exact := base
	exact.TargetValue = 200_000
	cs := NewCoinSelector(candidates, exact)
	result, ok := BnbSelect(cs, 2000)
	if !ok {
		t.Fatalf("expected a solution at the exact two-candidate sum")
	}
	if got := result.SelectedIndices(); len(got) != 2 {
		t.Errorf("SelectedIndices() = %v, want exactly 2 entries", got)
	}

	under := base
	under.TargetValue = 199_999
	cs = NewCoinSelector(candidates, under)
	if _, ok := BnbSelect(cs, 2000); ok {
		t.Errorf("expected no solution one satoshi under an unreachable exact sum")
	}

	over := base
	over.TargetValue = 200_001
	cs = NewCoinSelector(candidates, over)
	if _, ok := BnbSelect(cs, 2000); ok {
		t.Errorf("expected no solution one satoshi over an unreachable exact sum")
	}
}

func TestBnbEarlyBailoutSkipsDuplicateTail(t *testing.T) {
	// S6: two candidates of 125_000, one of 50_000, then 1000 candidates
	// of 100_000 each; target 300_000 at zero feerate. The first three
	// candidates sum to exactly 300_000 (so do any three of the tail).
	// Early-bailout skips the duplicate omission branches across the
	// 1000-long identical tail, so the search reaches {0,1,2} after about
	// a thousand tries and the try budget runs out before it gets to a
	// selection made only of tail candidates.
	candidates := make([]WeightedValue, 0, 1003)
	candidates = append(candidates,
		WeightedValue{Value: 125_000, Weight: 100, InputCount: 1},
		WeightedValue{Value: 125_000, Weight: 100, InputCount: 1},
		WeightedValue{Value: 50_000, Weight: 100, InputCount: 1},
	)
	for i := 0; i < 1000; i++ {
		candidates = append(candidates, WeightedValue{Value: 100_000, Weight: 100, InputCount: 1})
	}

	opts := CoinSelectorOpt{TargetValue: 300_000, TargetFeerate: 0}
	cs := NewCoinSelector(candidates, opts)

	result, ok := BnbSelect(cs, 5000)
	if !ok {
		t.Fatalf("expected BnB to find the exact three-candidate solution within budget")
	}
	if got := result.SelectedValue(); got != 300_000 {
		t.Errorf("SelectedValue() = %d, want 300000", got)
	}
	for _, i := range result.SelectedIndices() {
		if i >= 3 {
			t.Errorf("selected a candidate from the duplicate 100_000 tail (index %d); expected only indices 0-2", i)
		}
	}
}

func TestBnbPreservesPreselectedAndSkipsNonPositiveEffectiveValue(t *testing.T) {
	candidates := []WeightedValue{
		{Value: 50_000, Weight: 100, InputCount: 1},  // preselected
		{Value: 1, Weight: 1_000_000, InputCount: 1}, // negative effective value at this feerate
		{Value: 200_000, Weight: 100, InputCount: 1},
	}
	// A generous drain_weight gives the upper bound enough slack that
	// overshooting the target by selecting candidate 2 still qualifies -
	// the point here is candidate 1's exclusion, not a tight cost-of-change.
	opts := CoinSelectorOpt{TargetValue: 200_000, TargetFeerate: 1.0, DrainWeight: 200_000}
	cs := NewCoinSelector(candidates, opts)
	cs.Select(0)

	result, ok := BnbSelect(cs, 1000)
	if !ok {
		t.Fatalf("expected a solution")
	}
	if !result.IsSelected(0) {
		t.Errorf("pre-selected candidate 0 must remain selected")
	}
	if result.IsSelected(1) {
		t.Errorf("candidate 1 has non-positive effective value and must never be selected by BnB")
	}
}
