package bitmap

import (
	"testing"
)

func TestSetClearIsSet(t *testing.T) {
	bm := New(2)
	for _, loc := range []int{0, 5, 15} {
		if err := bm.Set(loc); err != nil {
			t.Fatalf("Set(%d) errored: %v", loc, err)
		}
		set, err := bm.IsSet(loc)
		if err != nil || !set {
			t.Errorf("IsSet(%d) = %v, %v after Set", loc, set, err)
		}
		if err := bm.Clear(loc); err != nil {
			t.Fatalf("Clear(%d) errored: %v", loc, err)
		}
		set, err = bm.IsSet(loc)
		if err != nil || set {
			t.Errorf("IsSet(%d) = %v, %v after Clear", loc, set, err)
		}
	}
	if err := bm.Set(16); err == nil {
		t.Errorf("Set out of range succeeded")
	}
	if err := bm.Set(-1); err == nil {
		t.Errorf("Set negative succeeded")
	}
}

func TestTestAndSet(t *testing.T) {
	bm := New(1)
	was, err := bm.TestAndSet(3)
	if err != nil || was {
		t.Errorf("TestAndSet on clear bit = %v, %v", was, err)
	}
	was, err = bm.TestAndSet(3)
	if err != nil || !was {
		t.Errorf("TestAndSet on set bit = %v, %v", was, err)
	}
	was, err = bm.TestAndClear(3)
	if err != nil || !was {
		t.Errorf("TestAndClear on set bit = %v, %v", was, err)
	}
	was, err = bm.TestAndClear(3)
	if err != nil || was {
		t.Errorf("TestAndClear on clear bit = %v, %v", was, err)
	}
}

func TestNextZeroBit(t *testing.T) {
	bm := FromBytes([]byte{0xff, 0x0f})
	if got := bm.NextZeroBit(16, 0); got != 12 {
		t.Errorf("NextZeroBit(16, 0) = %d, expected 12", got)
	}
	if got := bm.NextZeroBit(16, 13); got != 13 {
		t.Errorf("NextZeroBit(16, 13) = %d, expected 13", got)
	}
	if got := bm.NextZeroBit(12, 0); got != -1 {
		t.Errorf("NextZeroBit(12, 0) = %d, expected -1", got)
	}
	full := FromBytes([]byte{0xff})
	if got := full.NextZeroBit(8, 0); got != -1 {
		t.Errorf("NextZeroBit on full bitmap = %d, expected -1", got)
	}
}

func TestWrapAliases(t *testing.T) {
	raw := []byte{0x00}
	bm := Wrap(raw)
	if err := bm.Set(2); err != nil {
		t.Fatalf("Set errored: %v", err)
	}
	// mutations through the wrapper are visible in the original slice
	if raw[0] != 0x04 {
		t.Errorf("underlying byte = %02x, expected 04", raw[0])
	}
	cp := FromBytes(raw)
	if err := cp.Set(0); err != nil {
		t.Fatalf("Set errored: %v", err)
	}
	if raw[0] != 0x04 {
		t.Errorf("FromBytes copy mutated the original: %02x", raw[0])
	}
}

func TestCountZeroSet(t *testing.T) {
	bm := FromBytes([]byte{0x0f, 0xf0})
	if got := bm.CountZero(16); got != 8 {
		t.Errorf("CountZero(16) = %d, expected 8", got)
	}
	if got := bm.CountSet(16); got != 8 {
		t.Errorf("CountSet(16) = %d, expected 8", got)
	}
	if got := bm.CountZero(8); got != 4 {
		t.Errorf("CountZero(8) = %d, expected 4", got)
	}
	if got := bm.CountZero(6); got != 2 {
		t.Errorf("CountZero(6) = %d, expected 2", got)
	}
}

func TestFreeList(t *testing.T) {
	// 10010010 00100000 10000010
	bm := FromBytes([]byte{0x49, 0x04, 0x41})
	expected := []Contiguous{
		{1, 2}, {4, 2}, {7, 3}, {11, 5}, {17, 5}, {23, 1},
	}
	got := bm.FreeList()
	if len(got) != len(expected) {
		t.Fatalf("FreeList() = %v, expected %v", got, expected)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("FreeList()[%d] = %v, expected %v", i, got[i], expected[i])
		}
	}
}
