package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []Status{StatusSent, StatusDelivered, StatusRead} {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("seen")
	assert.Error(t, err)
}

func TestStatusBefore(t *testing.T) {
	assert.True(t, StatusSent.Before(StatusDelivered))
	assert.True(t, StatusSent.Before(StatusRead))
	assert.True(t, StatusDelivered.Before(StatusRead))
	assert.False(t, StatusRead.Before(StatusDelivered))
	assert.False(t, StatusDelivered.Before(StatusDelivered))
	assert.False(t, Status("").Before(StatusSent))
}

func TestCheckTransition(t *testing.T) {
	msg := func(st Status) Message {
		return Message{ID: "m1", SenderID: "ana", ReceiverID: "tours", Status: st}
	}

	tests := []struct {
		name    string
		status  Status
		actor   string
		target  Status
		apply   bool
		invalid bool
	}{
		{"deliver sent", StatusSent, "tours", StatusDelivered, true, false},
		{"deliver delivered is noop", StatusDelivered, "tours", StatusDelivered, false, false},
		{"deliver read is noop", StatusRead, "tours", StatusDelivered, false, false},
		{"read sent skips delivered", StatusSent, "tours", StatusRead, true, false},
		{"read delivered", StatusDelivered, "tours", StatusRead, true, false},
		{"read read is noop", StatusRead, "tours", StatusRead, false, false},
		{"sender cannot deliver", StatusSent, "ana", StatusDelivered, false, true},
		{"sender cannot read", StatusSent, "ana", StatusRead, false, true},
		{"stranger cannot read", StatusSent, "eve", StatusRead, false, true},
		{"sent is not a target", StatusSent, "tours", StatusSent, false, true},
		{"unknown stored status", Status("lost"), "tours", StatusRead, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apply, err := checkTransition(msg(tt.status), tt.actor, tt.target)
			if tt.invalid {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.apply, apply)
		})
	}
}

func TestSources(t *testing.T) {
	assert.Equal(t, []string{"sent"}, sources(StatusDelivered))
	assert.Equal(t, []string{"sent", "delivered"}, sources(StatusRead))
	assert.Nil(t, sources(StatusSent))
}
