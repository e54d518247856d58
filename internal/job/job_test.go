package job

import (
	"errors"
	"testing"
	"time"

	"inspectd/internal/inspectlink"
	"inspectd/internal/item"
)

func link(a string) inspectlink.Link {
	return inspectlink.Link{S: "1", A: a, D: "1", M: "0"}
}

func TestSingleEntryFlushesOnce(t *testing.T) {
	j := New("1.2.3.4", false)
	j.Add(link("a"), nil)

	select {
	case <-j.Done():
		t.Fatal("job should not be done before its entry resolves")
	default:
	}

	j.SetResponse("a", item.Decorated{A: "a"})

	select {
	case <-j.Done():
	case <-time.After(time.Second):
		t.Fatal("job did not flush after its only entry resolved")
	}

	results := j.Results()
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("Results() = %+v, want one ok entry", results)
	}
}

func TestOnlyFlushesWhenNoEntryPending(t *testing.T) {
	j := New("1.2.3.4", true)
	j.Add(link("a"), nil)
	j.Add(link("b"), nil)

	j.SetResponse("a", item.Decorated{A: "a"})
	select {
	case <-j.Done():
		t.Fatal("job should not flush while b is still pending")
	default:
	}

	j.SetResponseErr("b", errors.New("boom"))
	select {
	case <-j.Done():
	case <-time.After(time.Second):
		t.Fatal("job should flush once every entry is terminal")
	}

	results := j.Results()
	if len(results) != 2 {
		t.Fatalf("Results() returned %d entries, want 2", len(results))
	}
	if results[0].AssetID != "a" || results[1].AssetID != "b" {
		t.Fatalf("Results() order = %+v, want insertion order a,b", results)
	}
}

func TestSetResponseRemainingFillsOnlyPending(t *testing.T) {
	j := New("1.2.3.4", true)
	j.Add(link("a"), nil)
	j.Add(link("b"), nil)

	j.SetResponse("a", item.Decorated{A: "a"})
	j.SetResponseRemaining(errors.New("fleet down"))

	<-j.Done()
	results := j.Results()
	if results[0].Err != nil {
		t.Fatalf("a should have kept its successful result, got err %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Fatal("b should have been filled with the remaining error")
	}
}

func TestAddIgnoresDuplicateAsset(t *testing.T) {
	j := New("1.2.3.4", false)
	j.Add(link("a"), nil)
	price := uint64(5)
	j.Add(link("a"), &price) // duplicate, ignored

	if len(j.GetRemainingLinks()) != 1 {
		t.Fatalf("GetRemainingLinks() = %v, want exactly one entry", j.GetRemainingLinks())
	}
	if got := j.Price("a"); got != nil {
		t.Fatalf("Price(a) = %v, want nil (first Add wins)", got)
	}
}
