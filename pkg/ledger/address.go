package ledger

import (
	"crypto/ed25519"

	"github.com/jdgcs/ed25519/edwards25519"
)

// IsOnCurve reports whether pub is a valid compressed ed25519 point. Keys off
// the curve have no private key and can never produce a signature.
//
// The edwards25519 group element type in golang.org/x/crypto is internal, so
// the check relies on the standalone edwards25519 package.
func IsOnCurve(pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}

	var point [32]byte
	copy(point[:], pub)

	var A edwards25519.ExtendedGroupElement
	return A.FromBytes(&point)
}
