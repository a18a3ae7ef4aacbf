package crossbar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchWildcard(t *testing.T) {
	cases := []struct {
		name     string
		pattern  string
		channel  string
		expected bool
	}{
		{"star matches single segment", "orders.*", "orders.new", true},
		{"star rejects segment count mismatch", "orders.*", "orders.new.detail", false},
		{"star rejects different first segment", "orders.*", "customers.created", false},
		{"gt matches prefix regardless of depth", "orders.>", "orders.new.detail", true},
		{"gt matches exact prefix", "orders.>", "orders.new", true},
		{"gt requires literal prefix", "orders.>", "customers.created", false},
		{"multi-star matches segment-wise", "a.*.c", "a.b.c", true},
		{"multi-star rejects wrong segment", "a.*.c", "a.b.d", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, matchWildcard(tc.pattern, tc.channel))
		})
	}
}

func TestIsWildcardPattern(t *testing.T) {
	assert.True(t, IsWildcardPattern("orders.*"))
	assert.True(t, IsWildcardPattern("orders.>"))
	assert.False(t, IsWildcardPattern("orders.new"))
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, validatePattern("orders.*"))
	assert.Error(t, validatePattern(""))
}
