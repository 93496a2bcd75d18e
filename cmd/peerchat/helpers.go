package main

import "encoding/hex"

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
)

// Colors follow the peer identity, not the display name, so a peer
// keeps its color across /nick changes.
var peerColors = []string{
	"\033[31m", // red
	"\033[32m", // green
	"\033[33m", // yellow
	"\033[34m", // blue
	"\033[35m", // magenta
	"\033[36m", // cyan
}

// colorFor maps a peer id (hex-encoded ed25519 public key) onto a
// stable color. The leading key byte is already uniform, no need to
// hash anything.
func colorFor(peerID string) string {
	b, err := hex.DecodeString(peerID)
	if err != nil || len(b) == 0 {
		return ansiReset
	}
	return peerColors[int(b[0])%len(peerColors)]
}

// shortID truncates a 64-char hex peer id to something printable.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatName renders a nickname colored by the peer that owns it,
// falling back to a truncated peer id when no nickname is known.
func formatName(nick, peerID string) string {
	display := nick
	if display == "" {
		display = shortID(peerID)
	}
	return colorFor(peerID) + display + ansiReset
}
