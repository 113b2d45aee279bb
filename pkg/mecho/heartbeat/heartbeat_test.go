package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithinActiveHours_SimpleWindow(t *testing.T) {
	assert.True(t, withinActiveHours(10, 9, 22))
	assert.False(t, withinActiveHours(8, 9, 22))
	assert.False(t, withinActiveHours(22, 9, 22))
}

func TestWithinActiveHours_WraparoundWindow(t *testing.T) {
	assert.True(t, withinActiveHours(23, 22, 6))
	assert.True(t, withinActiveHours(3, 22, 6))
	assert.False(t, withinActiveHours(12, 22, 6))
}

func TestWithinActiveHours_EqualStartEndMeans24h(t *testing.T) {
	assert.True(t, withinActiveHours(0, 9, 9))
	assert.True(t, withinActiveHours(23, 9, 9))
}

func TestNextSlot_AddsBufferPastBoundary(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 14, 5, 0, time.UTC)
	interval := 30 * time.Minute
	next := nextSlot(now, interval)

	assert.Equal(t, time.Date(2026, 7, 31, 9, 30, 10, 0, time.UTC), next)
}

func TestNextSlot_OnExactBoundaryStillAdvances(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 30, 0, 0, time.UTC)
	interval := 30 * time.Minute
	next := nextSlot(now, interval)

	assert.Equal(t, time.Date(2026, 7, 31, 10, 0, 10, 0, time.UTC), next)
}

func TestOKToken_DefaultsWhenUnset(t *testing.T) {
	assert.Equal(t, defaultOKToken, okToken(""))
	assert.Equal(t, "CUSTOM_OK", okToken("CUSTOM_OK"))
}

func TestBuildPrompt_EmbedsChecklistAndToken(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	prompt := buildPrompt(now, "check the thing", "OK-token")
	assert.Contains(t, prompt, "check the thing")
	assert.Contains(t, prompt, "OK-token")
	assert.Contains(t, prompt, "2026-07-31 09:00")
}
