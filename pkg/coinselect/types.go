package coinselect

import "math"

// TxinBaseWeight is the weight, in weight units, every selected input
// contributes regardless of its witness/scriptSig: 32 bytes prevout hash +
// 4 bytes prevout index + 4 bytes sequence, all non-witness, times 4.
const TxinBaseWeight uint32 = (32 + 4 + 4) * 4

// DefaultTargetFeerate is 0.25 sat/wu, equivalent to 1 sat/vB.
const DefaultTargetFeerate float32 = 0.25

// P2WPKHWitnessWeight is the witness weight (counted at 1x, not 4x) of a
// typical P2WPKH satisfaction: 1-byte item count + (1-byte len + up to
// 72-byte DER signature) + (1-byte len + 33-byte compressed pubkey).
const P2WPKHWitnessWeight uint32 = 108

// WeightedValue is a single coin-selection candidate: an output under
// consideration for inclusion into the funding transaction.
type WeightedValue struct {
	Value      uint64
	Weight     uint32
	InputCount int
	IsSegwit   bool
}

// EffectiveValue is the candidate's value net of its own fee at feerate.
func (w WeightedValue) EffectiveValue(feerate float32) int64 {
	return int64(w.Value) - int64(ceilFee(w.Weight, feerate))
}

// ceilFee multiplies in float32, matching the original's bit-for-bit
// rounding; widening to float64 before the multiply can round differently
// right at integer boundaries.
func ceilFee(weight uint32, feerate float32) uint64 {
	return uint64(math.Ceil(float64(float32(weight) * feerate)))
}

func varintSize(n uint64) uint32 {
	switch {
	case n <= 0xfc:
		return 1
	case n <= 0xffff:
		return 3
	case n <= 0xffff_ffff:
		return 5
	default:
		return 9
	}
}

// CoinSelectorOpt parameterizes a selection: the spend target, feerates,
// and the weight/value contributions of the base transaction template and
// its drain output.
type CoinSelectorOpt struct {
	TargetValue      uint64
	MaxExtraTarget   uint64
	TargetFeerate    float32
	LongTermFeerate  *float32
	MinAbsoluteFee   uint64
	BaseWeight       uint32
	DrainWeight      uint32
	SpendDrainWeight uint32
	MinDrainValue    uint64
}

// DefaultMinDrainValue computes the dust-floor drain value BDK defaults to:
// 3x the cost of creating and later spending the drain output.
func DefaultMinDrainValue(opt CoinSelectorOpt) uint64 {
	return 3 * ceilFee(opt.DrainWeight+opt.SpendDrainWeight, opt.TargetFeerate)
}
