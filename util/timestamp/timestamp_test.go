package timestamp

import (
	"testing"
	"time"
)

func TestGetTime(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv("SOURCE_DATE_EPOCH", "")
		before := time.Now().UTC().Add(-time.Second)
		got := GetTime()
		after := time.Now().UTC().Add(time.Second)
		if got.Before(before) || got.After(after) {
			t.Errorf("GetTime() = %v, expected close to now", got)
		}
	})

	t.Run("set", func(t *testing.T) {
		t.Setenv("SOURCE_DATE_EPOCH", "1609459200")
		got := GetTime()
		expected := time.Unix(1609459200, 0).UTC()
		if !got.Equal(expected) {
			t.Errorf("GetTime() = %v, expected %v", got, expected)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		t.Setenv("SOURCE_DATE_EPOCH", "not-a-number")
		before := time.Now().UTC().Add(-time.Second)
		got := GetTime()
		after := time.Now().UTC().Add(time.Second)
		if got.Before(before) || got.After(after) {
			t.Errorf("GetTime() = %v, expected close to now", got)
		}
	})
}
