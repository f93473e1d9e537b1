//go:build !linux

package uring

import "github.com/ehrlich-b/go-nvmepf/internal/interfaces"

// Engine is unavailable off Linux.
type Engine struct{}

// NewEngine always fails off Linux.
func NewEngine(config Config) (*Engine, error) {
	return nil, ErrUnsupported
}

func (e *Engine) Close() error { return nil }

func (e *Engine) Start(dir interfaces.Direction, w interfaces.Window, buf []byte) (interfaces.BulkOp, error) {
	return nil, ErrUnsupported
}
