package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMessageAssignsIDAndTimestamp(t *testing.T) {
	m := NewMessage("!abc", "  PING ", 0, true, time.Time{})
	assert.NotEmpty(t, m.ID)
	assert.False(t, m.Timestamp.IsZero())
	assert.Equal(t, "ping", m.Normalized())
}

func TestReplyToAddressing(t *testing.T) {
	direct := NewMessage("!abc", "ping", 2, true, time.Now())
	r := ReplyTo(&direct, "core", "ping", "pong")
	assert.Equal(t, "!abc", r.To)
	assert.Equal(t, 2, r.Channel)
	assert.False(t, r.IsBroadcast())

	channel := NewMessage("!abc", "ping", 1, false, time.Now())
	r = ReplyTo(&channel, "core", "ping", "pong")
	assert.Equal(t, BroadcastActor, r.To)
	assert.True(t, r.IsBroadcast())
}
