package securechannel

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/mcoutos/Mesh/internal/identity"
)

func dialAndAccept(t *testing.T, clientOpts, serverOpts Options) (*Conn, *Conn) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()

	var client, server *Conn
	var clientErr, serverErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		client, clientErr = Dial(clientRaw, clientOpts)
	}()
	go func() {
		defer wg.Done()
		server, serverErr = Accept(serverRaw, serverOpts)
	}()
	wg.Wait()

	if clientErr != nil {
		t.Fatalf("Dial: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("Accept: %v", serverErr)
	}
	return client, server
}

func baseOpts(localID identity.UserID) Options {
	return Options{
		PSK:              []byte("shared-secret-material"),
		OfferedCiphers:   []CipherSuite{SuiteAES256},
		SupportedCiphers: []CipherSuite{SuiteAES256},
		KEXAlg:           KEXHerradura256,
		LocalUserID:      localID,
	}
}

func TestHandshakeEstablishesMatchingCipher(t *testing.T) {
	var clientID, serverID identity.UserID
	clientID[0] = 1
	serverID[0] = 2

	client, server := dialAndAccept(t, baseOpts(clientID), baseOpts(serverID))
	defer client.Close()
	defer server.Close()

	if client.SelectedCipher() != SuiteAES256 || server.SelectedCipher() != SuiteAES256 {
		t.Fatalf("expected AES256 on both ends, got client=%v server=%v", client.SelectedCipher(), server.SelectedCipher())
	}
	if server.RemotePeerUserID() != clientID {
		t.Fatalf("server learned wrong client id")
	}
	if client.RemotePeerUserID() != serverID {
		t.Fatalf("client learned wrong server id")
	}
}

func TestReadWriteRoundTripAfterHandshake(t *testing.T) {
	var clientID, serverID identity.UserID
	clientID[0] = 1
	serverID[0] = 2
	client, server := dialAndAccept(t, baseOpts(clientID), baseOpts(serverID))
	defer client.Close()
	defer server.Close()

	msg := []byte("hello across the secure channel")
	done := make(chan error, 1)
	go func() {
		_, err := client.Write(msg)
		done <- err
	}()

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("client write: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}

func TestUntrustedIdentityRejected(t *testing.T) {
	var clientID, serverID, otherID identity.UserID
	clientID[0] = 1
	serverID[0] = 2
	otherID[0] = 9

	clientOpts := baseOpts(clientID)
	serverOpts := baseOpts(serverID)
	serverOpts.RequireClientAuth = true
	serverOpts.TrustedIdentities = map[identity.UserID]bool{otherID: true}

	clientRaw, serverRaw := net.Pipe()
	var serverErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = Dial(clientRaw, clientOpts)
	}()
	go func() {
		defer wg.Done()
		_, serverErr = Accept(serverRaw, serverOpts)
		if serverErr != nil {
			// Accept leaves raw open on failure; close it so the client's
			// pending identity read returns.
			_ = serverRaw.Close()
		}
	}()
	wg.Wait()

	if serverErr == nil {
		t.Fatal("expected server to reject an untrusted client identity")
	}
}

func TestCipherNegotiationPicksDialerPreference(t *testing.T) {
	var clientID, serverID identity.UserID
	clientID[0] = 1
	serverID[0] = 2

	clientOpts := baseOpts(clientID)
	clientOpts.OfferedCiphers = []CipherSuite{SuiteChaCha20, SuiteAES256}
	serverOpts := baseOpts(serverID)
	serverOpts.SupportedCiphers = []CipherSuite{SuiteAES256, SuiteChaCha20}

	client, server := dialAndAccept(t, clientOpts, serverOpts)
	defer client.Close()
	defer server.Close()

	if client.SelectedCipher() != SuiteChaCha20 {
		t.Fatalf("expected dialer's first offered+supported cipher (ChaCha20), got %v", client.SelectedCipher())
	}
}
