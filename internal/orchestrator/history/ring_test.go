package history

import (
	"sync"
	"testing"

	"github.com/GriffinCanCode/vorify-live/internal/classifier"
)

func TestRingAdd(t *testing.T) {
	r := New(30)
	r.Add(classifier.Result{SessionID: "a", Seq: 0, Label: classifier.Human})

	got := r.Recent(0)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].Label != classifier.Human || got[0].SessionID != "a" {
		t.Errorf("unexpected entry: %+v", got[0])
	}
}

func TestRingMaxSize(t *testing.T) {
	r := New(5)
	for i := 0; i < 10; i++ {
		r.Add(classifier.Result{Seq: uint64(i)})
	}
	got := r.Recent(0)
	if len(got) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(got))
	}
	if got[0].Seq != 5 || got[4].Seq != 9 {
		t.Errorf("kept seqs %d..%d, want 5..9", got[0].Seq, got[4].Seq)
	}
}

func TestRingRecent(t *testing.T) {
	r := New(10)
	for i := 0; i < 4; i++ {
		r.Add(classifier.Result{Seq: uint64(i)})
	}
	tests := []struct {
		n     int
		want  int
		first uint64
	}{
		{0, 4, 0},
		{2, 2, 2},
		{10, 4, 0},
	}
	for _, tt := range tests {
		got := r.Recent(tt.n)
		if len(got) != tt.want || got[0].Seq != tt.first {
			t.Errorf("Recent(%d) = %d entries from %d, want %d from %d", tt.n, len(got), got[0].Seq, tt.want, tt.first)
		}
	}
}

func TestRingRecentIsCopy(t *testing.T) {
	r := New(3)
	r.Add(classifier.Result{Label: classifier.AI})
	got := r.Recent(0)
	got[0].Label = classifier.Human
	if r.Recent(0)[0].Label != classifier.AI {
		t.Error("Recent must return a copy")
	}
}

func TestRingSessionAndCounts(t *testing.T) {
	r := New(10)
	r.Add(classifier.Result{SessionID: "a", Label: classifier.AI})
	r.Add(classifier.Result{SessionID: "b", Label: classifier.Human})
	r.Add(classifier.Result{SessionID: "b", Label: classifier.Human})

	if got := len(r.Session("b")); got != 2 {
		t.Errorf("Session(b) = %d entries, want 2", got)
	}
	counts := r.Counts()
	if counts[classifier.Human] != 2 || counts[classifier.AI] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
}

func TestRingConcurrent(t *testing.T) {
	r := New(50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Add(classifier.Result{Seq: uint64(i)})
			_ = r.Recent(5)
		}(i)
	}
	wg.Wait()
	if r.Len() != 20 {
		t.Errorf("Len() = %d, want 20", r.Len())
	}
}
