package coinselect

import "sort"

// combinedValue is the two-coordinate bound BnB reasons about: effective
// value nets each candidate's own fee at target_feerate, absolute is the
// plain sum of candidate values. The two coordinates are compared under the
// product order — a ≤ b requires both coordinates to hold — so not every
// pair of combinedValues is ordered.
type combinedValue struct {
	effective int64
	absolute  int64
}

func (a combinedValue) add(b combinedValue) combinedValue {
	return combinedValue{a.effective + b.effective, a.absolute + b.absolute}
}

func (a combinedValue) sub(b combinedValue) combinedValue {
	return combinedValue{a.effective - b.effective, a.absolute - b.absolute}
}

func (a combinedValue) ge(b combinedValue) bool {
	return a.effective >= b.effective && a.absolute >= b.absolute
}

// gt reports strict dominance under the product order: a must clear b on
// both coordinates with at least one strictly greater. Pairs that disagree
// across coordinates (one up, one down) are incomparable and report false
// here — they are never "above" b, so the search falls through to treat
// them as still within bounds.
func (a combinedValue) gt(b combinedValue) bool {
	return a.ge(b) && a != b
}

type bnbCandidate struct {
	origIndex int
	candidate WeightedValue
	value     combinedValue
}

// buildBnbPool collects the currently-unselected candidates with positive
// effective value, sorted by effective value descending (ties broken by
// original index, so two identical inputs always produce the same pool
// order).
func (cs *CoinSelector) buildBnbPool() []bnbCandidate {
	var pool []bnbCandidate
	for i, c := range cs.candidates {
		if cs.selected[i] {
			continue
		}
		eff := c.EffectiveValue(cs.opts.TargetFeerate)
		if eff <= 0 {
			continue
		}
		pool = append(pool, bnbCandidate{
			origIndex: i,
			candidate: c,
			value:     combinedValue{effective: eff, absolute: int64(c.Value)},
		})
	}
	sort.SliceStable(pool, func(a, b int) bool {
		if pool[a].value.effective != pool[b].value.effective {
			return pool[a].value.effective > pool[b].value.effective
		}
		return pool[a].origIndex < pool[b].origIndex
	})
	return pool
}

func (cs *CoinSelector) preselectedValue() combinedValue {
	var v combinedValue
	for i := range cs.selected {
		c := cs.candidates[i]
		v.effective += c.EffectiveValue(cs.opts.TargetFeerate)
		v.absolute += int64(c.Value)
	}
	return v
}

func samePoolCandidate(a, b bnbCandidate) bool {
	return a.candidate.Value == b.candidate.Value && a.candidate.Weight == b.candidate.Weight
}

// BnbSelect runs a depth-first Branch-and-Bound search over the currently
// unselected candidates (pre-selected candidates remain selected
// throughout), bounded by maxTries iterations. On success it returns a new
// CoinSelector with the winning candidates selected in addition to any
// pre-selection. Returns (nil, false) if no solution was found within
// maxTries — callers typically fall back to SelectUntilFinished.
func BnbSelect(cs *CoinSelector, maxTries int) (*CoinSelector, bool) {
	pool := cs.buildBnbPool()
	lt := cs.longTermFeerateOrTarget()
	metricIncreases := cs.opts.TargetFeerate > lt

	lower := combinedValue{
		effective: cs.effectiveTarget(),
		absolute:  int64(cs.opts.TargetValue + cs.opts.MinAbsoluteFee),
	}
	upper := combinedValue{
		effective: lower.effective + int64(cs.drainWaste()),
		absolute:  lower.absolute + int64(ceilFee(cs.opts.DrainWeight, cs.opts.TargetFeerate)),
	}

	preselected := cs.preselectedValue()

	var remaining combinedValue
	for _, p := range pool {
		remaining = remaining.add(p.value)
	}

	current := preselected
	selectedInPool := make([]bool, len(pool))
	var stack []int // pool positions selected, in the order they were pushed
	pos := 0

	var bestStack []int
	bestMetric := 0.0
	haveBest := false

	metricSoFar := func(stack []int) float64 {
		sum := 0.0
		for _, p := range stack {
			sum += float64(pool[p].candidate.Weight) * float64(cs.opts.TargetFeerate-lt)
		}
		return sum
	}

	tries := 0
	for tries < maxTries {
		tries++

		total := current.add(remaining)
		backtrack := false
		solution := false

		switch {
		case !total.ge(lower):
			backtrack = true
		case current.gt(upper):
			backtrack = true
		case current.ge(lower):
			backtrack = true
			solution = true
		case metricIncreases && haveBest && metricSoFar(stack) > bestMetric:
			backtrack = true
		case pos >= len(pool):
			backtrack = true
		}

		if solution {
			total := metricSoFar(stack) + float64(current.effective-lower.effective)
			if !haveBest || total <= bestMetric {
				haveBest = true
				bestMetric = total
				bestStack = append(bestStack[:0], stack...)
			}
		}

		if backtrack {
			if len(stack) == 0 {
				break
			}
			last := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			selectedInPool[last] = false
			// pool[last] becomes permanently excluded in this continuation,
			// so only the positions strictly after it (decided, but not
			// selected, while pos advanced past them) return to the pool.
			for i := last + 1; i < pos; i++ {
				remaining = remaining.add(pool[i].value)
			}
			current = current.sub(pool[last].value)
			pos = last + 1
			continue
		}

		earlyBailout := pos > 0 && len(stack) > 0 &&
			!selectedInPool[pos-1] && samePoolCandidate(pool[pos-1], pool[pos])

		remaining = remaining.sub(pool[pos].value)
		if !earlyBailout {
			selectedInPool[pos] = true
			stack = append(stack, pos)
			current = current.add(pool[pos].value)
		}
		pos++
	}

	if !haveBest {
		return nil, false
	}

	result := cs.Clone()
	for _, p := range bestStack {
		result.Select(pool[p].origIndex)
	}
	return result, true
}
