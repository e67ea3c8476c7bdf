package common

import "errors"

// ErrModulePaused is returned when an operation targets a paused module.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the per-module pause switches maintained by governance.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the operation when the named module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
