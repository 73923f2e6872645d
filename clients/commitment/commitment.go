// Package commitment verifies ics23 membership proofs against a state
// root. Both client types commit state in the same iavl-style merkle
// layout, so they share one proof codec.
package commitment

import (
	"fmt"

	ics23 "github.com/cosmos/ics23/go"
)

// Spec is the proof spec every chain's state tree must satisfy.
var Spec = ics23.TendermintSpec

// VerifyMembership checks that proof commits value under path in the tree
// whose root is root. The proof is a proto-encoded ics23 CommitmentProof.
func VerifyMembership(root []byte, path string, value, proof []byte) error {
	if len(root) == 0 {
		return fmt.Errorf("empty commitment root")
	}
	var p ics23.CommitmentProof
	if err := p.Unmarshal(proof); err != nil {
		return fmt.Errorf("decode commitment proof: %w", err)
	}
	if !ics23.VerifyMembership(Spec, root, &p, []byte(path), value) {
		return fmt.Errorf("proof does not commit %q under the given root", path)
	}
	return nil
}
