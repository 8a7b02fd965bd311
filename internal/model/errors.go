package model

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownArchitecture means the weights match no supported backbone.
	ErrUnknownArchitecture = errors.New("unknown architecture")
	// ErrClassCountMismatch means the head width differs from the class index.
	ErrClassCountMismatch = errors.New("class count mismatch")
	// ErrWeightMismatch means the weights do not fit the skeleton.
	ErrWeightMismatch = errors.New("weights do not match architecture")
	// ErrArtifact means a model file is missing, unreadable or malformed.
	ErrArtifact = errors.New("invalid model artifact")
)

// ConfigError is a fatal problem with the model configuration or its files.
// No model is returned alongside it.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var cerr *ConfigError
	return errors.As(err, &cerr)
}

func configErr(op string, err error) error {
	return &ConfigError{Op: op, Err: err}
}
