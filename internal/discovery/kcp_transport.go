package discovery

import (
	"crypto/sha1" // nolint: gosec -- block-cipher key stretch only, not a signature
	"net"

	kcp "github.com/xtaci/kcp-go"
	"golang.org/x/crypto/pbkdf2"
)

// kcpTransport backs a Manager with reliable-UDP (github.com/xtaci/kcp-go)
// dialing and listening instead of plain TCP, exactly as the teacher's
// hkexnet/kcp.go offers as its -K flag alternative to the default TCP
// listener. Unlike the teacher's package-level kcpKeyBytes/kcpSaltBytes
// globals, the stretched block-cipher key lives on the transport value
// so a process can run a TCP-backed Manager and a KCP-backed one side
// by side without one's key material clobbering the other's.
type kcpTransport struct {
	block kcp.BlockCrypt
}

// newKCPTransport derives a kcp.BlockCrypt from key/salt the same way
// hkexnet/kcp.go's kcpDial/kcpListen do (PBKDF2-HMAC-SHA1, 1024
// iterations, 32-byte key), then wraps it as AES - the teacher's
// default KCP_AES choice - since the mesh fabric has no equivalent of
// xsd's "-K KCP_xxx" flag letting an operator pick a different one.
func newKCPTransport(key, salt []byte) (*kcpTransport, error) {
	stretched := pbkdf2.Key(key, salt, 1024, 32, sha1.New)
	block, err := kcp.NewAESBlockCrypt(stretched)
	if err != nil {
		return nil, err
	}
	return &kcpTransport{block: block}, nil
}

func (t *kcpTransport) dial(_ string, addr string) (net.Conn, error) {
	return kcp.DialWithOptions(addr, t.block, 10, 3)
}

func (t *kcpTransport) listen(addr string) (net.Listener, error) {
	return kcp.ListenWithOptions(addr, t.block, 10, 3)
}
