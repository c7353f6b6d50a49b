package coinselect

import "testing"

func TestFinishFeeCoversWeightAndMinAbsoluteFee(t *testing.T) {
	candidates := []WeightedValue{
		{Value: 150_000, Weight: 300, InputCount: 1},
		{Value: 150_000, Weight: 300, InputCount: 1},
	}
	opts := CoinSelectorOpt{
		TargetValue:    250_000,
		TargetFeerate:  0.5,
		MinAbsoluteFee: 1_000,
	}
	cs := NewCoinSelector(candidates, opts)
	cs.SelectAll()

	sel, err := cs.Finish()
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	toFee, ok := sel.Strategies[ToFee]
	if !ok {
		t.Fatalf("ToFee strategy must always be present on success")
	}
	minFee := ceilFee(cs.CurrentWeight(), opts.TargetFeerate)
	if minFee < opts.MinAbsoluteFee {
		minFee = opts.MinAbsoluteFee
	}
	if toFee.Fee < minFee {
		t.Errorf("ToFee.Fee = %d, must be at least %d", toFee.Fee, minFee)
	}
}

func TestFinishReportsWorstViolatedConstraint(t *testing.T) {
	candidates := []WeightedValue{{Value: 10_000, Weight: 100, InputCount: 1}}
	opts := CoinSelectorOpt{TargetValue: 500_000, TargetFeerate: 0}
	cs := NewCoinSelector(candidates, opts)
	cs.Select(0)

	_, err := cs.Finish()
	if err == nil {
		t.Fatalf("expected an error")
	}
	ifErr, ok := err.(*InsufficientFundsError)
	if !ok {
		t.Fatalf("expected *InsufficientFundsError, got %T", err)
	}
	if ifErr.Constraint != ConstraintTargetValue {
		t.Errorf("Constraint = %v, want target_value", ifErr.Constraint)
	}
	if ifErr.Missing != 490_000 {
		t.Errorf("Missing = %d, want 490000", ifErr.Missing)
	}
}

func TestFinishToDrainRequiresClearingMinAbsoluteFee(t *testing.T) {
	// A drain output that clears the dust floor but whose fee-with-drain
	// does not exceed min_absolute_fee must not be offered.
	candidates := []WeightedValue{{Value: 300_000, Weight: 200, InputCount: 1}}
	opts := CoinSelectorOpt{
		TargetValue:      100_000,
		TargetFeerate:    0,
		MinAbsoluteFee:   5_000,
		DrainWeight:      100,
		SpendDrainWeight: 100,
		MinDrainValue:    1_000,
	}
	cs := NewCoinSelector(candidates, opts)
	cs.Select(0)

	sel, err := cs.Finish()
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	if _, ok := sel.Strategies[ToDrain]; ok {
		t.Errorf("ToDrain must be withheld when fee_with_drain cannot clear min_absolute_fee at zero feerate")
	}
	toFee := sel.Strategies[ToFee]
	if toFee.Fee < opts.MinAbsoluteFee {
		t.Errorf("ToFee.Fee = %d, must still be floored to min_absolute_fee (%d)", toFee.Fee, opts.MinAbsoluteFee)
	}
}

func TestFinishOffersToDrainWhenResidueClearsBothGates(t *testing.T) {
	candidates := []WeightedValue{{Value: 300_000, Weight: 200, InputCount: 1}}
	opts := CoinSelectorOpt{
		TargetValue:      100_000,
		TargetFeerate:    1.0,
		MinAbsoluteFee:   0,
		DrainWeight:      100,
		SpendDrainWeight: 100,
		MinDrainValue:    1_000,
	}
	cs := NewCoinSelector(candidates, opts)
	cs.Select(0)

	sel, err := cs.Finish()
	if err != nil {
		t.Fatalf("Finish() error: %v", err)
	}
	drain, ok := sel.Strategies[ToDrain]
	if !ok {
		t.Fatalf("expected a ToDrain strategy when residue clears the dust floor and min_absolute_fee")
	}
	if drain.DrainValue == 0 {
		t.Errorf("DrainValue must be positive")
	}
}

func TestSelectUntilFinishedSelectsGreedilyInAscendingOrder(t *testing.T) {
	candidates := []WeightedValue{
		{Value: 50_000, Weight: 100, InputCount: 1},
		{Value: 50_000, Weight: 100, InputCount: 1},
		{Value: 50_000, Weight: 100, InputCount: 1},
	}
	opts := CoinSelectorOpt{TargetValue: 120_000, TargetFeerate: 0}
	cs := NewCoinSelector(candidates, opts)

	sel, err := cs.SelectUntilFinished()
	if err != nil {
		t.Fatalf("SelectUntilFinished() error: %v", err)
	}
	if len(sel.SelectedIndices) != 3 {
		t.Fatalf("expected all three candidates to be needed, got %v", sel.SelectedIndices)
	}
}

func TestSelectUntilFinishedFailsWhenPoolExhausted(t *testing.T) {
	candidates := []WeightedValue{{Value: 10_000, Weight: 100, InputCount: 1}}
	opts := CoinSelectorOpt{TargetValue: 50_000, TargetFeerate: 0}
	cs := NewCoinSelector(candidates, opts)

	if _, err := cs.SelectUntilFinished(); err == nil {
		t.Fatalf("expected an error when the candidate pool cannot cover the target")
	}
}
