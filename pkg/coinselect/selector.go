package coinselect

import "sort"

// ExcessStrategyKind names one of the ways Finish can dispose of the excess
// between what was selected and what the target plus fee requires.
type ExcessStrategyKind int

const (
	ToFee ExcessStrategyKind = iota
	ToRecipient
	ToDrain
)

func (k ExcessStrategyKind) String() string {
	switch k {
	case ToFee:
		return "to_fee"
	case ToRecipient:
		return "to_recipient"
	case ToDrain:
		return "to_drain"
	default:
		return "unknown"
	}
}

// ExcessStrategy is one concrete way to dispose of the excess value left
// over after covering the target and the fee.
type ExcessStrategy struct {
	Kind           ExcessStrategyKind
	RecipientValue uint64
	DrainValue     uint64
	Fee            uint64
	Weight         uint32
	Waste          float64
}

// Selection is the result of a successful Finish: which candidates were
// used and the alternative ways to dispose of the excess.
type Selection struct {
	SelectedIndices []int
	Excess          int64
	Strategies      map[ExcessStrategyKind]ExcessStrategy
}

// BestStrategy returns the lowest-waste excess strategy. ToFee is always
// present in a successful Selection, so this never fails.
func (s Selection) BestStrategy() (ExcessStrategyKind, ExcessStrategy) {
	var bestKind ExcessStrategyKind
	var best ExcessStrategy
	first := true
	for kind, strat := range s.Strategies {
		if first || strat.Waste < best.Waste {
			bestKind, best, first = kind, strat, false
		}
	}
	return bestKind, best
}

// CoinSelector holds a read-only candidate pool and options, plus the
// mutable set of currently-selected candidate positions. Candidates and
// opts are never mutated; multiple selectors may share the same candidate
// slice across goroutines without coordination.
type CoinSelector struct {
	candidates []WeightedValue
	opts       CoinSelectorOpt
	selected   map[int]bool
}

// NewCoinSelector creates a selector with nothing selected.
func NewCoinSelector(candidates []WeightedValue, opts CoinSelectorOpt) *CoinSelector {
	return &CoinSelector{candidates: candidates, opts: opts, selected: make(map[int]bool)}
}

func (cs *CoinSelector) Candidates() []WeightedValue { return cs.candidates }
func (cs *CoinSelector) Opts() CoinSelectorOpt       { return cs.opts }

// Select marks candidate i as selected. Returns false if i is out of range
// or already selected.
func (cs *CoinSelector) Select(i int) bool {
	if i < 0 || i >= len(cs.candidates) || cs.selected[i] {
		return false
	}
	cs.selected[i] = true
	return true
}

// Deselect reverses Select. Returns false if i was not selected.
func (cs *CoinSelector) Deselect(i int) bool {
	if !cs.selected[i] {
		return false
	}
	delete(cs.selected, i)
	return true
}

// SelectAll selects every candidate.
func (cs *CoinSelector) SelectAll() {
	for i := range cs.candidates {
		cs.selected[i] = true
	}
}

func (cs *CoinSelector) IsSelected(i int) bool { return cs.selected[i] }

// SelectedIndices returns the selected positions in ascending order.
func (cs *CoinSelector) SelectedIndices() []int {
	out := make([]int, 0, len(cs.selected))
	for i := range cs.selected {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (cs *CoinSelector) SelectedValue() uint64 {
	var sum uint64
	for i := range cs.selected {
		sum += cs.candidates[i].Value
	}
	return sum
}

func (cs *CoinSelector) selectedWeightSum() uint32 {
	var sum uint32
	for i := range cs.selected {
		sum += cs.candidates[i].Weight
	}
	return sum
}

func (cs *CoinSelector) selectedInputCount() uint64 {
	var sum uint64
	for i := range cs.selected {
		sum += uint64(cs.candidates[i].InputCount)
	}
	return sum
}

func (cs *CoinSelector) selectedIsSegwit() bool {
	for i := range cs.selected {
		if cs.candidates[i].IsSegwit {
			return true
		}
	}
	return false
}

// CurrentWeight is base_weight + the selected candidates' weight, plus the
// SegWit marker/flag (2 bytes, if any selected candidate is segwit) and the
// delta the input-count varint contributes once it grows past one byte.
func (cs *CoinSelector) CurrentWeight() uint32 {
	w := cs.opts.BaseWeight + cs.selectedWeightSum()
	if cs.selectedIsSegwit() {
		w += 2
	}
	w += (varintSize(cs.selectedInputCount()) - 1) * 4
	return w
}

// effectiveTarget is the lower bound BnB's aggregate effective coordinate
// must clear: target_value plus the fee on an "effective base weight" that
// folds the segwit marker/flag (2wu, if any known candidate is segwit) and
// the input-count varint's delta over every candidate in the pool — not
// just the selected ones, since BnB must bound the search before knowing
// which candidates end up selected.
func (cs *CoinSelector) effectiveTarget() int64 {
	hasSegwit := false
	var inputCount uint64
	for _, c := range cs.candidates {
		if c.IsSegwit {
			hasSegwit = true
		}
		inputCount += uint64(c.InputCount)
	}

	effectiveBaseWeight := cs.opts.BaseWeight
	if hasSegwit {
		effectiveBaseWeight += 2
	}
	effectiveBaseWeight += (varintSize(inputCount) - 1) * 4

	return int64(cs.opts.TargetValue) + int64(ceilFee(effectiveBaseWeight, cs.opts.TargetFeerate))
}

func (cs *CoinSelector) longTermFeerateOrTarget() float32 {
	if cs.opts.LongTermFeerate != nil {
		return *cs.opts.LongTermFeerate
	}
	return cs.opts.TargetFeerate
}

func (cs *CoinSelector) selectedWaste() float64 {
	lt := cs.longTermFeerateOrTarget()
	return float64(cs.selectedWeightSum()) * float64(cs.opts.TargetFeerate-lt)
}

func (cs *CoinSelector) drainWaste() float64 {
	lt := cs.longTermFeerateOrTarget()
	return float64(cs.opts.DrainWeight)*float64(cs.opts.TargetFeerate) + float64(cs.opts.SpendDrainWeight)*float64(lt)
}

// Clone returns a selector over the same candidates/opts with an
// independent copy of the selected set.
func (cs *CoinSelector) Clone() *CoinSelector {
	sel := make(map[int]bool, len(cs.selected))
	for k, v := range cs.selected {
		sel[k] = v
	}
	return &CoinSelector{candidates: cs.candidates, opts: cs.opts, selected: sel}
}

// Finish converts the current selection into a Selection, or fails with
// InsufficientFundsError naming the most-violated constraint.
func (cs *CoinSelector) Finish() (Selection, error) {
	weightWithoutDrain := cs.CurrentWeight()
	weightWithDrain := weightWithoutDrain + cs.opts.DrainWeight

	feeWithoutDrain := ceilFee(weightWithoutDrain, cs.opts.TargetFeerate)
	feeWithDrain := ceilFee(weightWithDrain, cs.opts.TargetFeerate)

	selectedAbs := cs.SelectedValue()

	type deficit struct {
		constraint Constraint
		amount     int64
	}
	var deficits []deficit
	if need := int64(cs.opts.TargetValue) - int64(selectedAbs); need > 0 {
		deficits = append(deficits, deficit{ConstraintTargetValue, need})
	}
	if need := int64(cs.opts.TargetValue+feeWithoutDrain) - int64(selectedAbs); need > 0 {
		deficits = append(deficits, deficit{ConstraintTargetFee, need})
	}
	if need := int64(cs.opts.TargetValue+cs.opts.MinAbsoluteFee) - int64(selectedAbs); need > 0 {
		deficits = append(deficits, deficit{ConstraintMinAbsoluteFee, need})
	}
	if len(deficits) > 0 {
		worst := deficits[0]
		for _, d := range deficits[1:] {
			if d.amount > worst.amount {
				worst = d
			}
		}
		return Selection{}, &InsufficientFundsError{
			Selected:   selectedAbs,
			Missing:    uint64(worst.amount),
			Constraint: worst.constraint,
		}
	}

	if feeWithoutDrain < cs.opts.MinAbsoluteFee {
		feeWithoutDrain = cs.opts.MinAbsoluteFee
	}
	if feeWithDrain < cs.opts.MinAbsoluteFee {
		feeWithDrain = cs.opts.MinAbsoluteFee
	}

	excessWithoutDrain := int64(selectedAbs) - int64(cs.opts.TargetValue) - int64(feeWithoutDrain)

	strategies := make(map[ExcessStrategyKind]ExcessStrategy, 3)
	selectedWaste := cs.selectedWaste()

	strategies[ToFee] = ExcessStrategy{
		Kind:           ToFee,
		RecipientValue: cs.opts.TargetValue,
		Fee:            feeWithoutDrain + uint64(excessWithoutDrain),
		Weight:         weightWithoutDrain,
		Waste:          selectedWaste + float64(excessWithoutDrain),
	}

	if excessWithoutDrain > 0 && cs.opts.MaxExtraTarget > 0 {
		extra := excessWithoutDrain
		if uint64(extra) > cs.opts.MaxExtraTarget {
			extra = int64(cs.opts.MaxExtraTarget)
		}
		remainder := excessWithoutDrain - extra
		strategies[ToRecipient] = ExcessStrategy{
			Kind:           ToRecipient,
			RecipientValue: cs.opts.TargetValue + uint64(extra),
			Fee:            feeWithoutDrain + uint64(remainder),
			Weight:         weightWithoutDrain,
			Waste:          selectedWaste + float64(remainder),
		}
	}

	// ToDrain: gated on the stricter of the two upstream conditions — the
	// drain must clear both the dust floor and min_absolute_fee.
	residue := int64(selectedAbs) - int64(cs.opts.TargetValue)
	if residue >= int64(feeWithDrain+cs.opts.MinDrainValue) && feeWithDrain > cs.opts.MinAbsoluteFee {
		strategies[ToDrain] = ExcessStrategy{
			Kind:           ToDrain,
			RecipientValue: cs.opts.TargetValue,
			DrainValue:     uint64(residue) - feeWithDrain,
			Fee:            feeWithDrain,
			Weight:         weightWithDrain,
			Waste:          cs.drainWaste(),
		}
	}

	return Selection{
		SelectedIndices: cs.SelectedIndices(),
		Excess:          excessWithoutDrain,
		Strategies:      strategies,
	}, nil
}

// SelectUntilFinished is a greedy fallback: repeatedly attempt Finish,
// selecting the next unselected candidate (ascending index) on failure,
// until it succeeds or every candidate is selected.
func (cs *CoinSelector) SelectUntilFinished() (Selection, error) {
	sel, err := cs.Finish()
	for err != nil {
		progressed := false
		for i := 0; i < len(cs.candidates); i++ {
			if !cs.selected[i] {
				cs.Select(i)
				progressed = true
				break
			}
		}
		if !progressed {
			return Selection{}, err
		}
		sel, err = cs.Finish()
	}
	return sel, nil
}
