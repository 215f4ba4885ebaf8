package page

import "testing"

func TestPageDiffSetChangedClearsStickyCleared(t *testing.T) {
	d := NewPageDiff()
	d.SetCleared()
	if !d.Cleared() {
		t.Fatal("expected Cleared() true after SetCleared")
	}
	d.SetChanged(3)
	if d.Cleared() {
		t.Fatal("expected SetChanged to clear the sticky cleared flag")
	}
	if !d.Changed(3) {
		t.Fatal("expected slot 3 to read as changed")
	}
	if d.Changed(4) {
		t.Fatal("expected slot 4 to read as unchanged")
	}
}

func TestPageDiffEmpty(t *testing.T) {
	d := NewPageDiff()
	if !d.Empty() {
		t.Fatal("expected a fresh diff to be empty")
	}
	d.SetChanged(0)
	if d.Empty() {
		t.Fatal("expected a touched diff to be non-empty")
	}
}

func TestPageDiffJoinUnionsSlotsAndClearedDominates(t *testing.T) {
	a := NewPageDiff()
	a.SetChanged(1)

	b := NewPageDiff()
	b.SetChanged(2)
	b.SetCleared()

	joined := a.Join(b)
	if !joined.Changed(1) || !joined.Changed(2) {
		t.Fatal("expected Join to union touched slots from both sides")
	}
	if !joined.Cleared() {
		t.Fatal("expected Join to carry cleared when either side is cleared")
	}
}

func TestPageDiffCloneIsIndependent(t *testing.T) {
	d := NewPageDiff()
	d.SetChanged(5)

	clone := d.Clone()
	clone.SetChanged(6)

	if d.Changed(6) {
		t.Fatal("expected mutating the clone not to affect the original")
	}
	if !clone.Changed(5) {
		t.Fatal("expected the clone to retain slots set before cloning")
	}
}
