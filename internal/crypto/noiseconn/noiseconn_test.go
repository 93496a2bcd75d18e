package noiseconn

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"

	"github.com/flynn/noise"
)

func genKeys(t *testing.T) noise.DHKey {
	t.Helper()
	k, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return k
}

func TestHandshakePayloadsAndFrames(t *testing.T) {
	clientKeys := genKeys(t)
	serverKeys := genKeys(t)

	cConn, sConn := net.Pipe()
	defer cConn.Close()
	defer sConn.Close()

	type side struct {
		hs  *HandshakeResult
		err error
	}
	serverCh := make(chan side, 1)
	go func() {
		hs, err := NewSecureServer(sConn, serverKeys, []byte("server-payload"))
		serverCh <- side{hs, err}
	}()

	client, err := NewSecureClient(cConn, clientKeys, []byte("client-payload"))
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	sres := <-serverCh
	if sres.err != nil {
		t.Fatalf("server handshake: %v", sres.err)
	}
	server := sres.hs

	if string(client.RemotePayload) != "server-payload" {
		t.Fatalf("client saw payload %q", client.RemotePayload)
	}
	if string(server.RemotePayload) != "client-payload" {
		t.Fatalf("server saw payload %q", server.RemotePayload)
	}
	if !bytes.Equal(client.RemoteStatic, serverKeys.Public) {
		t.Fatalf("client observed wrong remote static")
	}
	if !bytes.Equal(server.RemoteStatic, clientKeys.Public) {
		t.Fatalf("server observed wrong remote static")
	}

	// Both directions carry data.
	go func() {
		_, _ = client.Conn.Write([]byte("ping over noise"))
	}()
	buf := make([]byte, 64)
	n, err := server.Conn.Read(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf[:n]) != "ping over noise" {
		t.Fatalf("server read %q", buf[:n])
	}

	go func() {
		_, _ = server.Conn.Write([]byte("pong"))
	}()
	n, err = client.Conn.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("client read %q", buf[:n])
	}
}

func TestShortReadsDrainFrame(t *testing.T) {
	clientKeys := genKeys(t)
	serverKeys := genKeys(t)

	cConn, sConn := net.Pipe()
	defer cConn.Close()
	defer sConn.Close()

	serverCh := make(chan *HandshakeResult, 1)
	go func() {
		hs, err := NewSecureServer(sConn, serverKeys, nil)
		if err != nil {
			t.Errorf("server handshake: %v", err)
			serverCh <- nil
			return
		}
		serverCh <- hs
	}()
	client, err := NewSecureClient(cConn, clientKeys, nil)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	server := <-serverCh
	if server == nil {
		t.FailNow()
	}

	payload := []byte("a somewhat longer frame that will be read in pieces")
	go func() {
		_, _ = client.Conn.Write(payload)
	}()

	var got []byte
	small := make([]byte, 7)
	for len(got) < len(payload) {
		n, err := server.Conn.Read(small)
		if err != nil && err != io.EOF {
			t.Fatalf("read: %v", err)
		}
		got = append(got, small[:n]...)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled %q", got)
	}
}
