package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeRoundTrip(t *testing.T) {
	orig := Now()

	v, err := orig.Value()
	require.NoError(t, err)

	var back Time
	require.NoError(t, back.Scan(v))
	assert.True(t, orig.Equal(back.Time))
}

func TestTimeZeroMapsToNull(t *testing.T) {
	var zero Time
	v, err := zero.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	var back Time
	require.NoError(t, back.Scan(nil))
	assert.True(t, back.IsZero())
}

// The TEXT encoding must order lexically the same way the instants order,
// because queries compare these columns with plain string operators.
func TestTimeTextOrderingMatchesInstantOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	instants := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Second + 7*time.Microsecond),
		base.Add(time.Minute),
	}

	var prev string
	for i, ts := range instants {
		v, err := At(ts).Value()
		require.NoError(t, err)
		s := v.(string)
		if i > 0 {
			assert.Greater(t, s, prev, "encoding of %v must sort after its predecessor", ts)
		}
		prev = s
	}
}
