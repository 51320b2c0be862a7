package kpi_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/kpi-engine/kpi"
)

func utc(y int, m time.Month, d, h, min, s, ms int) time.Time {
	return time.Date(y, m, d, h, min, s, ms*int(time.Millisecond), time.UTC)
}

func TestResolvePeriod(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		g         kpi.Granularity
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "monthly mid-month",
			now:       utc(2025, time.February, 14, 9, 30, 0, 0),
			g:         kpi.GranularityMonthly,
			wantStart: utc(2025, time.February, 1, 0, 0, 0, 0),
			wantEnd:   utc(2025, time.February, 28, 23, 59, 59, 999),
		},
		{
			name:      "monthly leap february",
			now:       utc(2024, time.February, 29, 0, 0, 0, 0),
			g:         kpi.GranularityMonthly,
			wantStart: utc(2024, time.February, 1, 0, 0, 0, 0),
			wantEnd:   utc(2024, time.February, 29, 23, 59, 59, 999),
		},
		{
			name:      "monthly december rolls into next year",
			now:       utc(2025, time.December, 31, 23, 59, 59, 999),
			g:         kpi.GranularityMonthly,
			wantStart: utc(2025, time.December, 1, 0, 0, 0, 0),
			wantEnd:   utc(2025, time.December, 31, 23, 59, 59, 999),
		},
		{
			name:      "quarterly",
			now:       utc(2025, time.February, 14, 0, 0, 0, 0),
			g:         kpi.GranularityQuarterly,
			wantStart: utc(2025, time.January, 1, 0, 0, 0, 0),
			wantEnd:   utc(2025, time.March, 31, 23, 59, 59, 999),
		},
		{
			name:      "quarterly last quarter",
			now:       utc(2025, time.November, 2, 0, 0, 0, 0),
			g:         kpi.GranularityQuarterly,
			wantStart: utc(2025, time.October, 1, 0, 0, 0, 0),
			wantEnd:   utc(2025, time.December, 31, 23, 59, 59, 999),
		},
		{
			name:      "yearly",
			now:       utc(2025, time.February, 14, 0, 0, 0, 0),
			g:         kpi.GranularityYearly,
			wantStart: utc(2025, time.January, 1, 0, 0, 0, 0),
			wantEnd:   utc(2025, time.December, 31, 23, 59, 59, 999),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := kpi.ResolvePeriod(tt.now, tt.g)
			require.True(t, ok)
			assert.True(t, tt.wantStart.Equal(p.Start), "start %s", p.Start)
			assert.True(t, tt.wantEnd.Equal(p.End), "end %s", p.End)
			assert.True(t, p.Contains(tt.now))
		})
	}
}

func TestResolvePeriod_NoneHasNoPeriod(t *testing.T) {
	_, ok := kpi.ResolvePeriod(time.Now(), kpi.GranularityNone)
	assert.False(t, ok)
}

func TestResolvePeriod_UsesUTC(t *testing.T) {
	// GIVEN: 2025-03-01 01:00 in UTC+2, which is still February in UTC
	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2025, time.March, 1, 1, 0, 0, 0, loc)

	// WHEN: resolving the monthly period
	p, ok := kpi.ResolvePeriod(now, kpi.GranularityMonthly)

	// THEN: the period is February
	require.True(t, ok)
	assert.Equal(t, time.February, p.Start.Month())
	assert.Equal(t, time.UTC, p.Start.Location())
}

func TestResolvePeriod_Idempotent(t *testing.T) {
	for _, g := range []kpi.Granularity{kpi.GranularityMonthly, kpi.GranularityQuarterly, kpi.GranularityYearly} {
		p, _ := kpi.ResolvePeriod(utc(2025, time.August, 20, 12, 0, 0, 0), g)
		fromStart, _ := kpi.ResolvePeriod(p.Start, g)
		fromEnd, _ := kpi.ResolvePeriod(p.End, g)
		assert.True(t, p.Equal(fromStart), g)
		assert.True(t, p.Equal(fromEnd), g)
	}
}

func TestParseGranularity(t *testing.T) {
	g, ok := kpi.ParseGranularity(" monthly ")
	assert.True(t, ok)
	assert.Equal(t, kpi.GranularityMonthly, g)

	g, ok = kpi.ParseGranularity("")
	assert.True(t, ok)
	assert.Equal(t, kpi.GranularityNone, g)

	_, ok = kpi.ParseGranularity("weekly")
	assert.False(t, ok)
}
