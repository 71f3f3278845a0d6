package timeparser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 7, 3, 10, 30, 0, 0, time.UTC)
	for _, in := range []string{
		"2026-07-03T10:30:00Z",
		"2026-07-03 10:30:00",
		"2026-07-03T10:30:00",
		"03/07/2026 10:30:00",
		"1783074600",
	} {
		got, err := ParseTimestamp(in, time.UTC)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s parsed as %s", in, got)
	}

	_, err := ParseTimestamp("yesterday", time.UTC)
	assert.ErrorContains(t, err, "failed to parse timestamp 'yesterday'")
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 7, 3, 12, 0, 0, 0, time.UTC)

	got, err := ParseSince("15m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-15*time.Minute), got)

	got, err = ParseSince("-2h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-2*time.Hour), got)

	got, err = ParseSince("2026-07-03 09:00:00", now)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Hour())
}

func TestTolerance(t *testing.T) {
	ref := time.Date(2026, 7, 3, 12, 0, 0, 0, time.UTC)
	assert.True(t, IsWithinTolerance(ref.Add(-4*time.Minute), ref, 5*time.Minute))
	assert.False(t, IsWithinTolerance(ref.Add(6*time.Minute), ref, 5*time.Minute))

	assert.True(t, NotInFuture(ref.Add(-72*time.Hour), ref, 5*time.Minute))
	assert.True(t, NotInFuture(ref.Add(time.Minute), ref, 5*time.Minute))
	assert.False(t, NotInFuture(ref.Add(time.Hour), ref, 5*time.Minute))
}
