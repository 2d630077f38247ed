package icron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptsStandardAndDescriptor(t *testing.T) {
	for _, expr := range []string{"0 3 * * *", "@daily", "@every 12h"} {
		_, err := Parse(expr)
		assert.NoError(t, err, expr)
	}

	_, err := Parse("not a cron")
	require.Error(t, err)
}

func TestGetTriggerInfoDaily(t *testing.T) {
	ref := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	info, err := GetTriggerInfo("0 3 * * *", ref)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC), info.Next)
	assert.Equal(t, time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC), info.Last)
	assert.Equal(t, 9*time.Hour, info.TimeSinceLast)
	assert.Equal(t, 15*time.Hour, info.TimeUntilNext)
}

func TestGetTriggerInfoInvalidExpression(t *testing.T) {
	_, err := GetTriggerInfo("61 25 * * *", time.Now())
	require.Error(t, err)
}
