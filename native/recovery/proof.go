package recovery

import (
	"bytes"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ClaimLeaf derives the merkle leaf committed for one refund entitlement.
func ClaimLeaf(beneficiary [20]byte, asset string, amount *big.Int) [32]byte {
	amt := make([]byte, 32)
	if amount != nil && amount.Sign() > 0 {
		amount.FillBytes(amt)
	}
	return [32]byte(ethcrypto.Keccak256Hash(beneficiary[:], []byte(asset), amt))
}

// VerifyProof walks a sorted-pair Keccak merkle proof from leaf to root.
func VerifyProof(leaf [32]byte, proof [][32]byte, root [32]byte) bool {
	computed := leaf
	for _, sibling := range proof {
		if bytes.Compare(computed[:], sibling[:]) <= 0 {
			computed = [32]byte(ethcrypto.Keccak256Hash(computed[:], sibling[:]))
		} else {
			computed = [32]byte(ethcrypto.Keccak256Hash(sibling[:], computed[:]))
		}
	}
	return computed == root
}
