// meshd daemon
//
// Copyright (c) 2017-2019 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	isatty "github.com/mattn/go-isatty"

	"github.com/mcoutos/Mesh/internal/discovery"
	"github.com/mcoutos/Mesh/internal/events"
	"github.com/mcoutos/Mesh/internal/identity"
	"github.com/mcoutos/Mesh/internal/messagestore"
	"github.com/mcoutos/Mesh/internal/network"
	"github.com/mcoutos/Mesh/internal/securechannel"
	"github.com/mcoutos/Mesh/logger"
)

var (
	version   string
	gitCommit string // set in -ldflags by build

	// Log - syslog output (with no -d)
	Log *logger.Writer
)

func main() {
	var (
		vopt         bool
		dbg          bool
		laddr        string
		kcpMode      string
		stateDir     string
		groupMode    bool
		networkName  string
		sharedSecret string
		otherUserHex string
		localOnly    bool
		groupLock    bool
		mute         bool
	)

	flag.BoolVar(&vopt, "v", false, "show version")
	flag.BoolVar(&dbg, "d", false, "do not open syslog (log lines are then discarded; startup errors still go to stderr)")
	flag.StringVar(&laddr, "l", ":0", "interface[:port] to listen")
	flag.StringVar(&kcpMode, "K", "unused", `set to "KCP_AES" to use KCP (github.com/xtaci/kcp-go) reliable UDP instead of TCP`)
	flag.StringVar(&stateDir, "state", ".meshd", "directory holding identity, the message store, and the network snapshot")
	flag.BoolVar(&groupMode, "g", false, "join/create a Group network instead of a Private one")
	flag.StringVar(&networkName, "name", "", "Group network name (Group only)")
	flag.StringVar(&sharedSecret, "secret", "", "shared secret the networkId/networkSecret are derived from")
	flag.StringVar(&otherUserHex, "peer", "", "hex-encoded UserId of the other party (Private only)")
	flag.BoolVar(&localOnly, "local-only", false, "restrict peer connections to the LAN")
	flag.BoolVar(&groupLock, "group-lock", false, "reject handshakes from identities outside the known peer set (Group only)")
	flag.BoolVar(&mute, "mute", false, "suppress local notification on inbound messages")
	flag.Parse()

	if vopt {
		fmt.Printf("meshd version %s (%s)\n", version, gitCommit)
		return
	}

	if !dbg && !isatty.IsTerminal(os.Stderr.Fd()) {
		var err error
		Log, err = logger.New(logger.LOG_DAEMON|logger.LOG_DEBUG|logger.LOG_NOTICE|logger.LOG_ERR, "meshd") // nolint: gosec
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshd: syslog init failed: %v\n", err)
		}
	}

	if sharedSecret == "" {
		fmt.Fprintln(os.Stderr, "meshd: -secret is required")
		os.Exit(1)
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "meshd: create state dir: %v\n", err)
		os.Exit(1)
	}

	localUser, err := loadOrCreateLocalUserID(filepath.Join(stateDir, "userid"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshd: local identity: %v\n", err)
		os.Exit(1)
	}

	typ := network.Private
	if groupMode {
		typ = network.Group
	}

	var otherUser identity.UserID
	if typ == network.Private {
		b, err := hex.DecodeString(otherUserHex)
		if err != nil || len(b) != len(otherUser) {
			fmt.Fprintln(os.Stderr, "meshd: -peer must be a 32-byte hex UserId for a Private network")
			os.Exit(1)
		}
		copy(otherUser[:], b)
	}

	var salt []byte
	if typ == network.Private {
		salt = identity.PrivateSalt(localUser, otherUser)
	} else {
		salt = identity.GroupSalt(networkName)
	}
	networkID := identity.DeriveNetworkID(sharedSecret, salt)
	networkSecret := identity.DeriveNetworkSecret(sharedSecret, salt)

	storeKey, err := loadOrCreateMessageStoreKey(filepath.Join(stateDir, "storekey"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshd: message store key: %v\n", err)
		os.Exit(1)
	}
	store, err := messagestore.Open(
		filepath.Join(stateDir, "messages.index"),
		filepath.Join(stateDir, "messages.data"),
		storeKey,
		localUser,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshd: open message store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := discovery.NewRegistry()

	var mgr *discovery.Manager
	if kcpMode != "unused" {
		mgr, err = discovery.ListenKCP(laddr, registry, networkSecret[:], networkID[:])
	} else {
		mgr, err = discovery.Listen(laddr, registry)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshd: listen: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	node := &network.Node{
		LocalUserID:   localUser,
		ProfileFolder: stateDir,
	}

	bus := events.NewBus()
	n := network.New(typ, node, mgr, makeDialer(), makeAcceptor(), network.NewMessageStoreAdapter(store), bus)
	n.NetworkID = networkID
	n.NetworkSecret = networkSecret
	n.SharedSecret = sharedSecret
	n.SetLocalNetworkOnly(localOnly, 0)
	n.SetMute(mute)
	if typ == network.Private {
		n.SetOtherPeer(otherUser)
	} else if groupLock {
		n.SetGroupLockNetwork(true, 0)
	}

	mgr.RegisterNetwork(networkID, n)
	selfHost, _, err := net.SplitHostPort(laddr)
	if err != nil || selfHost == "" {
		selfHost = "127.0.0.1"
	}
	registry.Announce(networkID, network.EndPoint(net.JoinHostPort(selfHost, fmt.Sprintf("%d", mgr.LocalPort()))))

	logger.LogInfo(fmt.Sprintf("meshd: networkId %x listening on port %d", networkID, mgr.LocalPort()))

	n.GoOnline()
	defer n.GoOffline()

	go logEvents(bus)

	exitCh := make(chan os.Signal, 1)
	signal.Notify(exitCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	sig := <-exitCh
	logger.LogInfo(fmt.Sprintf("meshd: received signal %v, shutting down", sig))
}

// logEvents drains the Network's event bus onto syslog, mirroring the
// teacher's own "every handshake/disconnect is a log line" daemon
// style (xsd/xsd.go's Accept() loop logging).
func logEvents(bus *events.Bus) {
	for {
		ev, ok := bus.Next()
		if !ok {
			return
		}
		logger.LogDebug(fmt.Sprintf("meshd: event %v: %+v", ev.Kind, ev.Data))
	}
}

// makeDialer adapts internal/securechannel's client handshake to the
// network.Dialer shape, filling in the cipher/KEX preferences the
// bootstrap layer owns (spec.md §6.1's SecureChannel collaborator is
// parameterized by PSK/identity at the call site, but cipher suite and
// KEX strength are a deployment-wide choice, not per-handshake).
func makeDialer() network.Dialer {
	return func(raw network.ReadWriteCloser, opts network.HandshakeOptions) (network.SecureChannel, error) {
		return securechannel.Dial(raw, toSecureChannelOptions(opts))
	}
}

// makeAcceptor is makeDialer's server-side counterpart.
func makeAcceptor() network.Acceptor {
	return func(raw network.ReadWriteCloser, opts network.HandshakeOptions) (network.SecureChannel, error) {
		return securechannel.Accept(raw, toSecureChannelOptions(opts))
	}
}

func toSecureChannelOptions(opts network.HandshakeOptions) securechannel.Options {
	offered := []securechannel.CipherSuite{
		securechannel.SuiteChaCha20,
		securechannel.SuiteAES256,
		securechannel.SuiteTwofish128,
		securechannel.SuiteCryptMT1,
		securechannel.SuiteBlowfish64,
	}
	return securechannel.Options{
		PSK:               opts.PSK,
		RequireClientAuth: opts.RequireClientAuth,
		TrustedIdentities: opts.TrustedIdentities,
		OfferedCiphers:    offered,
		SupportedCiphers:  offered,
		KEXAlg:            securechannel.KEXHerradura1024,
		LocalUserID:       opts.LocalUserID,
	}
}

// loadOrCreateLocalUserID persists a random UserId the first time
// meshd runs against a given state directory, then reuses it on every
// subsequent start (spec.md §3's userId is stable for the node's
// lifetime).
func loadOrCreateLocalUserID(path string) (identity.UserID, error) {
	var id identity.UserID
	b, err := os.ReadFile(path)
	if err == nil && len(b) == len(id) {
		copy(id[:], b)
		return id, nil
	}
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	if err := os.WriteFile(path, id[:], 0o600); err != nil {
		return id, err
	}
	return id, nil
}

// loadOrCreateMessageStoreKey persists the at-rest AEAD key for the
// local message store the same way loadOrCreateLocalUserID persists
// the UserId.
func loadOrCreateMessageStoreKey(path string) ([32]byte, error) {
	var key [32]byte
	b, err := os.ReadFile(path)
	if err == nil && len(b) == len(key) {
		copy(key[:], b)
		return key, nil
	}
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return key, err
	}
	return key, nil
}
