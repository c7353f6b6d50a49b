package coinselect

import (
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func TestEstimateOptsFromOutputsComputesWeightFromTemplate(t *testing.T) {
	recipient := &wire.TxOut{Value: 100_000, PkScript: make([]byte, 22)}
	drain := &wire.TxOut{Value: 0, PkScript: make([]byte, 22)}

	opt := EstimateOptsFromOutputs([]*wire.TxOut{recipient}, drain, 1.0, 500)

	if opt.TargetValue != 100_000 {
		t.Errorf("TargetValue = %d, want 100000", opt.TargetValue)
	}
	if opt.BaseWeight == 0 {
		t.Errorf("BaseWeight must be nonzero for a template carrying an output")
	}
	if opt.DrainWeight == 0 {
		t.Errorf("DrainWeight must be nonzero for a 22-byte drain output")
	}
	wantSpendDrainWeight := TxinBaseWeight + P2WPKHWitnessWeight
	if opt.SpendDrainWeight != wantSpendDrainWeight {
		t.Errorf("SpendDrainWeight = %d, want %d", opt.SpendDrainWeight, wantSpendDrainWeight)
	}
	if opt.MinAbsoluteFee != 500 {
		t.Errorf("MinAbsoluteFee = %d, want 500", opt.MinAbsoluteFee)
	}
	if opt.MinDrainValue == 0 {
		t.Errorf("MinDrainValue must be derived from drain/spend-drain weight at a nonzero feerate")
	}
}

func TestEstimateOptsFromOutputsWithRealScript(t *testing.T) {
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(make([]byte, 20)).Script()
	if err != nil {
		t.Fatalf("building script: %v", err)
	}
	recipient := &wire.TxOut{Value: 50_000, PkScript: script}
	drain := &wire.TxOut{Value: 0, PkScript: script}

	opt := EstimateOptsFromOutputs([]*wire.TxOut{recipient}, drain, 0.25, 0)
	if opt.BaseWeight == 0 || opt.DrainWeight == 0 {
		t.Fatalf("expected nonzero base/drain weight, got base=%d drain=%d", opt.BaseWeight, opt.DrainWeight)
	}
}
