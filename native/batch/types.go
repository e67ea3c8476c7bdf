package batch

import (
	"fmt"
	"math/big"
)

// Protocol floors for operator-supplied batch configuration.
const (
	MinParticipantsFloor = uint32(2)
	MinTimeDelayFloor    = int64(5 * 60)
)

// Config holds the per-asset trigger thresholds. Sizes and values are
// denominated in settlement-asset terms; gas figures are base-fee readings
// from the congestion oracle.
type Config struct {
	MinSize         *big.Int `json:"minSize"`
	MaxSize         *big.Int `json:"maxSize"`
	MinParticipants uint32   `json:"minParticipants"`
	MaxTimeDelay    int64    `json:"maxTimeDelay"`
	GasThreshold    *big.Int `json:"gasThreshold"`
	TargetGasPrice  *big.Int `json:"targetGasPrice"`
	Active          bool     `json:"active"`
}

// Validate enforces the protocol floors and internal consistency.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("batch: nil config")
	}
	if c.MinSize == nil || c.MinSize.Sign() <= 0 {
		return fmt.Errorf("batch: min size must be positive")
	}
	if c.MaxSize == nil || c.MaxSize.Cmp(c.MinSize) < 0 {
		return fmt.Errorf("batch: max size below min size")
	}
	if c.MinParticipants < MinParticipantsFloor {
		return fmt.Errorf("batch: min participants below protocol floor %d", MinParticipantsFloor)
	}
	if c.MaxTimeDelay < MinTimeDelayFloor {
		return fmt.Errorf("batch: max time delay below protocol floor %ds", MinTimeDelayFloor)
	}
	if c.GasThreshold == nil || c.GasThreshold.Sign() <= 0 {
		return fmt.Errorf("batch: gas threshold must be positive")
	}
	if c.TargetGasPrice == nil || c.TargetGasPrice.Sign() <= 0 {
		return fmt.Errorf("batch: target gas price must be positive")
	}
	if c.TargetGasPrice.Cmp(c.GasThreshold) > 0 {
		return fmt.Errorf("batch: target gas price above gas threshold")
	}
	return nil
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.MinSize = cloneBigInt(c.MinSize)
	clone.MaxSize = cloneBigInt(c.MaxSize)
	clone.GasThreshold = cloneBigInt(c.GasThreshold)
	clone.TargetGasPrice = cloneBigInt(c.TargetGasPrice)
	return &clone
}

// Phase is the lifecycle position of an asset's live batch. Distinguishing
// PhaseEmpty from a closed-and-cleared batch is what the processed-identifier
// set is for; the live state cycles Empty -> Accumulating -> Closing, then
// resets to Empty on finalization or falls back to Accumulating on reopen.
type Phase uint8

const (
	PhaseEmpty Phase = iota
	PhaseAccumulating
	PhaseClosing
)

// State is the live accumulation ledger for one asset. Sequence increments
// exactly once per opened batch and never decrements.
type State struct {
	Phase        Phase      `json:"phase"`
	Amount       *big.Int   `json:"amount"`
	Value        *big.Int   `json:"value"`
	Participants [][20]byte `json:"participants"`
	FirstDeposit int64      `json:"firstDeposit"`
	LastUpdate   int64      `json:"lastUpdate"`
	Sequence     uint64     `json:"sequence"`
	CloseReason  string     `json:"closeReason,omitempty"`
}

func newState() *State {
	return &State{
		Phase:  PhaseEmpty,
		Amount: big.NewInt(0),
		Value:  big.NewInt(0),
	}
}

// Clone returns a deep copy of the live state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Amount = cloneBigInt(s.Amount)
	clone.Value = cloneBigInt(s.Value)
	clone.Participants = append([][20]byte{}, s.Participants...)
	return &clone
}

func (s *State) hasParticipant(addr [20]byte) bool {
	// Linear scan; participant counts are small and bounded by batch
	// economics.
	for _, p := range s.Participants {
		if p == addr {
			return true
		}
	}
	return false
}

// CloseResult describes a closed batch handed to the settlement path.
type CloseResult struct {
	ID           [32]byte
	Asset        string
	Sequence     uint64
	Amount       *big.Int
	Value        *big.Int
	Participants [][20]byte
	Reason       string
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
