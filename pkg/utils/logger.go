package utils

import (
	"fmt"

	"go.uber.org/zap"
)

// NewSugaredLogger creates the service logger: a human-readable development
// logger when verbose is set, a sampled JSON production logger otherwise.
// Debugw calls on the event path are only emitted in verbose mode.
func NewSugaredLogger(verbose bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return l.Sugar(), nil
}
