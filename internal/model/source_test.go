package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCadenceInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cadence Cadence
		want    time.Duration
	}{
		{CadenceHourly, time.Hour},
		{CadenceDaily, 24 * time.Hour},
		{CadenceWeekly, 7 * 24 * time.Hour},
		{CadenceMonthly, 30 * 24 * time.Hour},
		{CadenceManual, 0},
		{Cadence("bogus"), 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.cadence), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cadence.Interval())
		})
	}
}

func TestSourceDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	stale := now.Add(-48 * time.Hour)

	tests := []struct {
		name   string
		source Source
		want   bool
	}{
		{
			name:   "inactive never due",
			source: Source{Active: false, Cadence: CadenceDaily},
			want:   false,
		},
		{
			name:   "manual never due",
			source: Source{Active: true, Cadence: CadenceManual, LastHarvestedAt: &stale},
			want:   false,
		},
		{
			name:   "never harvested is due",
			source: Source{Active: true, Cadence: CadenceDaily},
			want:   true,
		},
		{
			name:   "recent harvest not due",
			source: Source{Active: true, Cadence: CadenceDaily, LastHarvestedAt: &recent},
			want:   false,
		},
		{
			name:   "stale harvest due",
			source: Source{Active: true, Cadence: CadenceDaily, LastHarvestedAt: &stale},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.source.Due(now))
		})
	}
}

func TestOpportunityExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	assert.False(t, (&Opportunity{}).Expired(now))
	assert.True(t, (&Opportunity{CloseDate: &past}).Expired(now))
	assert.False(t, (&Opportunity{CloseDate: &future}).Expired(now))
}
