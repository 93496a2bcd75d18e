// Package noiseconn secures a raw stream with a Noise XX handshake and
// length-prefixed encrypted frames. The handshake carries an
// application payload in both directions (peerchat uses it to bind the
// Noise static key to the node's signing identity).
package noiseconn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// maxFrameLen caps a single encrypted frame. JSON envelopes are small;
// anything larger is a broken or hostile peer.
const maxFrameLen = 1 << 20

// HandshakeResult is a completed handshake: the secured connection, the
// application payload the remote side sent during the handshake, and
// the remote Noise static key observed on the wire.
type HandshakeResult struct {
	Conn          *SecureConn
	RemotePayload []byte
	RemoteStatic  []byte
}

// SecureConn wraps an underlying stream with Noise cipher states.
type SecureConn struct {
	underlying io.ReadWriteCloser

	readCS  *noise.CipherState
	writeCS *noise.CipherState

	// leftover holds decrypted bytes a short Read didn't consume.
	leftover []byte
}

// Read returns decrypted plaintext, reading a new frame only when the
// previous one is fully drained.
func (c *SecureConn) Read(p []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		return n, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.underlying, lenBuf[:]); err != nil {
		return 0, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen == 0 || frameLen > maxFrameLen {
		return 0, fmt.Errorf("noiseconn: invalid frame length %d", frameLen)
	}

	ct := make([]byte, frameLen)
	if _, err := io.ReadFull(c.underlying, ct); err != nil {
		return 0, err
	}
	pt, err := c.readCS.Decrypt(nil, nil, ct)
	if err != nil {
		return 0, err
	}

	n := copy(p, pt)
	if n < len(pt) {
		c.leftover = pt[n:]
	}
	return n, nil
}

// Write encrypts p as a single length-prefixed frame.
func (c *SecureConn) Write(p []byte) (int, error) {
	ct, err := c.writeCS.Encrypt(nil, nil, p)
	if err != nil {
		return 0, err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ct)))

	if _, err := c.underlying.Write(lenBuf[:]); err != nil {
		return 0, err
	}
	if _, err := c.underlying.Write(ct); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *SecureConn) Close() error {
	return c.underlying.Close()
}

func newHandshakeState(static noise.DHKey, initiator bool) (*noise.HandshakeState, error) {
	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cs,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
}

// NewSecureClient runs a Noise XX handshake as initiator. payload is
// delivered to the responder in the final handshake message, after the
// channel to the responder is already confidential.
func NewSecureClient(underlying io.ReadWriteCloser, static noise.DHKey, payload []byte) (*HandshakeResult, error) {
	hs, err := newHandshakeState(static, true)
	if err != nil {
		return nil, err
	}

	// -> e
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- e, ee, s, es (+ responder payload)
	buf, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, buf)
	if err != nil {
		return nil, err
	}

	// -> s, se (+ our payload)
	msg2, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg2); err != nil {
		return nil, err
	}

	return &HandshakeResult{
		Conn: &SecureConn{
			underlying: underlying,
			readCS:     cs2,
			writeCS:    cs1,
		},
		RemotePayload: remotePayload,
		RemoteStatic:  hs.PeerStatic(),
	}, nil
}

// NewSecureServer runs a Noise XX handshake as responder.
func NewSecureServer(underlying io.ReadWriteCloser, static noise.DHKey, payload []byte) (*HandshakeResult, error) {
	hs, err := newHandshakeState(static, false)
	if err != nil {
		return nil, err
	}

	// <- e
	buf, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := hs.ReadMessage(nil, buf); err != nil {
		return nil, err
	}

	// -> e, ee, s, es (+ our payload)
	msg, _, _, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if err := writeHandshakeMsg(underlying, msg); err != nil {
		return nil, err
	}

	// <- s, se (+ initiator payload)
	buf2, err := readHandshakeMsg(underlying)
	if err != nil {
		return nil, err
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, buf2)
	if err != nil {
		return nil, err
	}

	// Responder cipher state order is swapped relative to initiator.
	return &HandshakeResult{
		Conn: &SecureConn{
			underlying: underlying,
			readCS:     cs1,
			writeCS:    cs2,
		},
		RemotePayload: remotePayload,
		RemoteStatic:  hs.PeerStatic(),
	}, nil
}
