package recovery

import (
	"fmt"
	"math/big"
)

// Level is the ordinal severity of an active recovery episode. Higher levels
// permit more invasive actions; refund claims require LevelRecovery or above.
type Level uint8

const (
	LevelAlert Level = iota + 1
	LevelPause
	LevelRecovery
	LevelShutdown
)

// Valid reports whether the level is within the supported range.
func (l Level) Valid() bool {
	return l >= LevelAlert && l <= LevelShutdown
}

func (l Level) String() string {
	switch l {
	case LevelAlert:
		return "alert"
	case LevelPause:
		return "pause"
	case LevelRecovery:
		return "recovery"
	case LevelShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// FrozenAsset snapshots the vault balance of one affected asset at activation
// time, the baseline for later restitution accounting.
type FrozenAsset struct {
	Symbol  string   `json:"symbol"`
	Balance *big.Int `json:"balance"`
}

// State is the singleton recovery record. Only one episode may be active at a
// time; history of prior episodes lives in the append-only episode log.
type State struct {
	Active      bool          `json:"active"`
	ActivatedAt int64         `json:"activatedAt"`
	Level       Level         `json:"level"`
	Assets      []FrozenAsset `json:"assets"`
	Reason      string        `json:"reason"`
	Initiator   [20]byte      `json:"initiator"`
}

// Clone returns a deep copy of the recovery state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Assets = make([]FrozenAsset, len(s.Assets))
	for i, asset := range s.Assets {
		clone.Assets[i] = FrozenAsset{Symbol: asset.Symbol, Balance: cloneBigInt(asset.Balance)}
	}
	return &clone
}

// Claim is a refund entitlement created during an active episode. Claims are
// processed exactly once, after the mandatory delay and before the expiry
// window, against a merkle commitment root.
type Claim struct {
	ID          [32]byte `json:"id"`
	Beneficiary [20]byte `json:"beneficiary"`
	Asset       string   `json:"asset"`
	Amount      *big.Int `json:"amount"`
	Processed   bool     `json:"processed"`
	CreatedAt   int64    `json:"createdAt"`
	Root        [32]byte `json:"root"`
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
