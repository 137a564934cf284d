package mail

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(errors.New("421 Too many connections from your IP")))
	assert.True(t, IsConnectionError(errors.New("connect ECONNREFUSED 127.0.0.1:587")))
	assert.True(t, IsConnectionError(errors.New("ESOCKET: socket closed")))
	assert.True(t, IsConnectionError(errors.New("EPROTOCOL: invalid greeting")))
	assert.True(t, IsConnectionError(fmt.Errorf("dial failed: %w", syscall.ECONNREFUSED)))

	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(errors.New("535 authentication failed")))
	assert.False(t, IsConnectionError(errors.New("550 mailbox unavailable")))
}

func TestBuildMsgRejectsBadFrom(t *testing.T) {
	_, err := buildMsg(&Message{From: "not an address", To: []string{"a@example.org"}})
	assert.Error(t, err)

	m, err := buildMsg(&Message{
		FromName: "Ortsverein",
		From:     "info@example.org",
		To:       []string{"info@example.org"},
		Bcc:      []string{"a@example.org", "b@example.org"},
		Subject:  "Hallo",
		HTML:     "<p>Hallo</p>",
		Text:     "Hallo",
	})
	assert.NoError(t, err)
	assert.NotNil(t, m)
}
