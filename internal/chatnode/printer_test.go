package chatnode

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdPrinter_ChatAndEvent(t *testing.T) {
	var buf bytes.Buffer
	p := NewStdPrinter(&buf, WithColor(false))
	at := time.Date(2024, 5, 1, 9, 30, 15, 0, time.Local)

	p.Chat(at, "bob", "hi there")
	p.Event("NET", "peer left: %s", "bob")
	p.Prompt()

	assert.Equal(t, "[09:30:15] bob: hi there\n[NET] peer left: bob\n", buf.String())
}

func TestStdPrinter_PromptRedrawnAfterAsyncLines(t *testing.T) {
	var buf bytes.Buffer
	p := NewStdPrinter(&buf, WithPrompt("> "), WithColor(false))

	p.Prompt()
	p.Event("NET", "connected")

	assert.Equal(t, "> \r\033[K[NET] connected\n> ", buf.String())
}

func TestApp_MessageReceivedIsPrinted(t *testing.T) {
	a, out := newTestApp(t)
	peer, err := a.Core.AddPeer(netip.MustParseAddr("192.0.2.7"), 4000)
	require.NoError(t, err)

	a.OnMessageReceived(peer, "hello alice")
	a.OnPeerLeft(peer)

	s := out.String()
	assert.Contains(t, s, "192.0.2.7:4000")
	assert.Contains(t, s, ": hello alice\n")
	assert.Contains(t, s, "[NET] peer left: ")
}
