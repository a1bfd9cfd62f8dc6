package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRates_Denominators(t *testing.T) {
	stats := CampaignStats{
		Sent:         1000,
		Delivered:    900,
		Opened:       450,
		Clicked:      90,
		Bounced:      80,
		Unsubscribed: 5,
	}
	rates := stats.Rates()

	// Open and click rates are over delivered; bounce and unsubscribe
	// rates are over sent.
	assert.InDelta(t, 90.0, rates.DeliveryRate, 0.001)
	assert.InDelta(t, 50.0, rates.OpenRate, 0.001)
	assert.InDelta(t, 10.0, rates.ClickRate, 0.001)
	assert.InDelta(t, 20.0, rates.ClickToOpenRate, 0.001)
	assert.InDelta(t, 8.0, rates.BounceRate, 0.001)
	assert.InDelta(t, 0.5, rates.UnsubscribeRate, 0.001)
}

func TestRates_ZeroDenominatorsAreZero(t *testing.T) {
	rates := CampaignStats{}.Rates()
	assert.Zero(t, rates.DeliveryRate)
	assert.Zero(t, rates.OpenRate)
	assert.Zero(t, rates.BounceRate)
}

func TestWorkRecordCounts_ProcessedAndTotal(t *testing.T) {
	c := WorkRecordCounts{
		Pending: 3, Sending: 2,
		Sent: 50, Delivered: 30, Failed: 5, Bounced: 4, Skipped: 6,
	}
	assert.Equal(t, 95, c.Processed())
	assert.Equal(t, 100, c.Total())
}

func TestWorkRecordStatus_IsTerminal(t *testing.T) {
	terminal := []WorkRecordStatus{WorkSent, WorkDelivered, WorkFailed, WorkBounced, WorkSkipped}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}
	assert.False(t, WorkPending.IsTerminal())
	assert.False(t, WorkSending.IsTerminal())
}

func TestSuppressed_Reasons(t *testing.T) {
	cases := []struct {
		name   string
		s      Suppression
		want   bool
		reason string
	}{
		{"active", Suppression{Status: EmailActive}, false, ""},
		{"unsubscribed", Suppression{Status: EmailUnsubscribed}, true, "unsubscribed"},
		{"complained", Suppression{Status: EmailComplained}, true, "complained"},
		{"hard bounce", Suppression{IsBounced: true, BounceType: BounceHard}, true, "bounced:hard"},
		{"soft bounce", Suppression{IsBounced: true, BounceType: BounceSoft}, true, "bounced:soft"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := tc.s.Suppressed()
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.reason, reason)
		})
	}
}
