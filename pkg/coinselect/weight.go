package coinselect

import "github.com/btcsuite/btcd/wire"

// bip141Weight returns a transaction's weight in weight units: three times
// the non-witness serialized size plus the full (witness-included)
// serialized size.
func bip141Weight(tx *wire.MsgTx) uint32 {
	stripped := tx.SerializeSizeStripped()
	full := tx.SerializeSize()
	return uint32(stripped*3 + full)
}

// EstimateOptsFromOutputs builds a CoinSelectorOpt from a set of recipient
// outputs and a candidate drain output, mirroring how a funding transaction
// is actually assembled: base_weight is measured from a template carrying
// the recipients and no inputs, drain_weight is the marginal weight of
// adding the drain output to that template, and spend_drain_weight is a flat
// P2WPKH input estimate for whatever later spends the drain.
func EstimateOptsFromOutputs(recipients []*wire.TxOut, drain *wire.TxOut, targetFeerate float32, minAbsoluteFee uint64) CoinSelectorOpt {
	base := &wire.MsgTx{Version: 2, TxOut: recipients}
	baseWeight := bip141Weight(base)

	withDrain := &wire.MsgTx{Version: 2, TxOut: append(append([]*wire.TxOut{}, recipients...), drain)}
	drainWeight := bip141Weight(withDrain) - baseWeight

	opt := CoinSelectorOpt{
		TargetFeerate:    targetFeerate,
		MinAbsoluteFee:   minAbsoluteFee,
		BaseWeight:       baseWeight,
		DrainWeight:      drainWeight,
		SpendDrainWeight: TxinBaseWeight + P2WPKHWitnessWeight,
	}
	opt.MinDrainValue = DefaultMinDrainValue(opt)

	var total uint64
	for _, out := range recipients {
		total += uint64(out.Value)
	}
	opt.TargetValue = total
	return opt
}
