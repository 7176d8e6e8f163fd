package transport

import (
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"driftwood/internal/identity"
)

// libp2pPrivateKey adapts a driftwood Ed25519 keypair to libp2p's key
// interface so that the resulting peer ID is derived from the same key
// material as the node's NID, letting callers recover one from the other.
func libp2pPrivateKey(kp *identity.Keypair) libp2pcrypto.PrivKey {
	priv, _, err := libp2pcrypto.KeyPairFromStdKey(kp.Private)
	if err != nil {
		// kp.Private is always a valid ed25519.PrivateKey produced by
		// identity.Generate or LoadOrCreateKeypair.
		panic(fmt.Sprintf("transport: adapt node key: %v", err))
	}
	return priv
}

func libp2pPublicKey(nid identity.NID) (libp2pcrypto.PubKey, error) {
	pub := nid.PublicKey()
	pk, err := libp2pcrypto.UnmarshalEd25519PublicKey([]byte(pub))
	if err != nil {
		return nil, fmt.Errorf("transport: unmarshal public key: %w", err)
	}
	return pk, nil
}
