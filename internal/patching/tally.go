package patching

// Tally accumulates per-update outcomes for one batch. It makes no retry
// decisions; it only counts what it is told. Not safe for concurrent use.
type Tally struct {
	result    AggregateResult
	finalized bool
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{result: AggregateResult{FailedNames: []string{}}}
}

// Record counts one processed update. Failed names keep processing order.
// Calling Record after Finalize panics.
func (t *Tally) Record(name string, outcome Outcome) {
	if t.finalized {
		panic("patching: Tally.Record called after Finalize")
	}
	if outcome.IsSuccess() {
		t.result.Succeeded++
		return
	}
	t.result.Failed++
	t.result.FailedNames = append(t.result.FailedNames, name)
}

// Finalize freezes the tally and returns the aggregate.
func (t *Tally) Finalize() AggregateResult {
	t.finalized = true
	res := t.result
	res.FailedNames = append([]string{}, t.result.FailedNames...)
	return res
}
