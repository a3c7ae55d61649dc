package patching

import (
	"reflect"
	"testing"
)

func TestTallyCountsOutcomes(t *testing.T) {
	tally := NewTally()
	tally.Record("Foo App", Classify(0))
	tally.Record("Bar App", Classify(5))
	tally.Record("Baz App", Classify(ExitUpdateNotApplicable))
	tally.Record("Qux App", Classify(ExitInternalError))

	got := tally.Finalize()
	want := AggregateResult{Succeeded: 2, Failed: 2, FailedNames: []string{"Bar App", "Qux App"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Finalize() = %+v, want %+v", got, want)
	}
	if got.ExitCode() != 1 {
		t.Fatalf("ExitCode() = %d, want 1", got.ExitCode())
	}
}

func TestTallyEmpty(t *testing.T) {
	got := NewTally().Finalize()
	if got.Succeeded != 0 || got.Failed != 0 {
		t.Fatalf("Finalize() = %+v", got)
	}
	if got.FailedNames == nil || len(got.FailedNames) != 0 {
		t.Fatalf("FailedNames = %#v, want empty non-nil slice", got.FailedNames)
	}
	if got.ExitCode() != 0 {
		t.Fatalf("ExitCode() = %d, want 0", got.ExitCode())
	}
}

func TestTallyFinalizeReturnsCopy(t *testing.T) {
	tally := NewTally()
	tally.Record("Bar App", Classify(5))
	first := tally.Finalize()
	first.FailedNames[0] = "mutated"

	if second := tally.Finalize(); second.FailedNames[0] != "Bar App" {
		t.Fatalf("Finalize shares its slice with callers: %q", second.FailedNames)
	}
}

func TestTallyRecordAfterFinalizePanics(t *testing.T) {
	tally := NewTally()
	tally.Finalize()

	defer func() {
		if recover() == nil {
			t.Fatal("Record after Finalize did not panic")
		}
	}()
	tally.Record("Late App", Classify(0))
}
