package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyChain      = errors.New("empty chain")
	ErrGenesisMismatch = errors.New("first block is not the genesis block")
)

// ValidateChain reports whether chain starts with genesis and every block is a
// valid successor of the one before it.
func ValidateChain(genesis Block, chain []Block) bool {
	return CheckChain(genesis, chain) == nil
}

// CheckChain is ValidateChain returning the first violation found.
func CheckChain(genesis Block, chain []Block) error {
	if len(chain) == 0 {
		return ErrEmptyChain
	}
	if chain[0] != genesis {
		return ErrGenesisMismatch
	}
	for i := 1; i < len(chain); i++ {
		if err := chain[i].Check(chain[i-1]); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}
