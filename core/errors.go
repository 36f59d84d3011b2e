package core

import "errors"

var (
	// ErrNoTALs is returned when configuration names a TAL directory
	// that contains no usable trust anchor locators.
	ErrNoTALs = errors.New("core: no trust anchor locators configured")
)
