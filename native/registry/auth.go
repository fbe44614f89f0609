package registry

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	coreerr "duxnet/core/errors"
)

// Auth levels assigned to node identities. Newly discovered nodes get the
// signed-only level; administrative level is provisioned out of band.
const (
	AuthLevelSigned = "signed"
	AuthLevelAdmin  = "admin"
)

// AuthData accompanies mutating registry calls when authentication is
// enabled: a compressed secp256k1 public key and a signature over the
// canonical JSON of the request body, both hex encoded.
type AuthData struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// canonicalJSON produces a deterministic serialization of the request body.
// Maps marshal with sorted keys, which is all the determinism the signature
// scheme needs.
func canonicalJSON(body map[string]any) []byte {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return encoded
}

func registerAuthBody(req RegisterRequest) map[string]any {
	caps := append([]string(nil), req.Capabilities...)
	return map[string]any{
		"node_id":      strings.TrimSpace(req.NodeID),
		"address":      strings.TrimSpace(req.Address),
		"capabilities": caps,
	}
}

func deregisterAuthBody(nodeID string) map[string]any {
	return map[string]any{"node_id": nodeID, "op": "deregister"}
}

func heartbeatAuthBody(nodeID string) map[string]any {
	return map[string]any{"node_id": nodeID, "op": "heartbeat"}
}

func statusAuthBody(nodeID string, status Status) map[string]any {
	return map[string]any{"node_id": nodeID, "op": "set_status", "status": string(status)}
}

func reputationAuthBody(nodeID, event string) map[string]any {
	return map[string]any{"node_id": nodeID, "op": "update_reputation", "event": event}
}

func capabilityAuthBody(nodeID, op string, caps []string) map[string]any {
	return map[string]any{
		"node_id":      nodeID,
		"op":           op,
		"capabilities": append([]string(nil), caps...),
	}
}

// SignAuthBody produces the AuthData for a request body using the given
// secp256k1 private key. Exported for clients and tests.
func SignAuthBody(privKeyHex string, body map[string]any) (*AuthData, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return nil, coreerr.E(coreerr.CodeValidation, "malformed private key")
	}
	digest := ethcrypto.Keccak256(canonicalJSON(body))
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeValidation, err, "sign request")
	}
	pub := ethcrypto.CompressPubkey(&key.PublicKey)
	return &AuthData{
		PublicKey: hex.EncodeToString(pub),
		Signature: hex.EncodeToString(sig),
	}, nil
}

// verifySignature checks the signature against the public key carried in the
// AuthData itself (first-sight registration).
func verifySignature(auth *AuthData, body map[string]any) error {
	if auth == nil {
		return coreerr.E(coreerr.CodeUnauthenticated, "auth_data required")
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(auth.PublicKey, "0x"))
	if err != nil || len(pub) == 0 {
		return coreerr.E(coreerr.CodeUnauthenticated, "malformed public key")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(auth.Signature, "0x"))
	if err != nil || len(sig) < 64 {
		return coreerr.E(coreerr.CodeUnauthenticated, "malformed signature")
	}
	digest := ethcrypto.Keccak256(canonicalJSON(body))
	if !ethcrypto.VerifySignature(pub, digest, sig[:64]) {
		return coreerr.E(coreerr.CodeUnauthenticated, "signature verification failed")
	}
	return nil
}

// authenticate enforces the auth policy for an operation against an existing
// node record. A signature that verifies under a key other than the node's
// registered key is a role failure, not an authentication failure.
func (e *Engine) authenticate(node *Node, body map[string]any, auth *AuthData) error {
	if !e.requireAuth {
		return nil
	}
	if auth == nil {
		return coreerr.E(coreerr.CodeUnauthenticated, "auth_data required")
	}
	if err := verifySignature(auth, body); err != nil {
		return err
	}
	if node == nil || node.PublicKey == "" {
		return nil
	}
	if node.AuthLevel == AuthLevelAdmin {
		return nil
	}
	presented := strings.TrimPrefix(strings.ToLower(auth.PublicKey), "0x")
	registered := strings.TrimPrefix(strings.ToLower(node.PublicKey), "0x")
	if presented != registered {
		return coreerr.E(coreerr.CodeForbidden, "key not authorized for node %s", node.NodeID)
	}
	return nil
}
