package noiseconn

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Handshake messages are uint16 length-prefixed; Noise XX messages with
// our payload sizes stay far below the cap.

func writeHandshakeMsg(w io.Writer, msg []byte) error {
	if len(msg) > 0xffff {
		return fmt.Errorf("noiseconn: handshake message too long (%d bytes)", len(msg))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, fmt.Errorf("noiseconn: empty handshake message")
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
