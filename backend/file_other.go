//go:build !linux

package backend

import (
	"errors"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
)

// File is unavailable off Linux.
type File struct{ interfaces.Store }

// OpenFile always fails off Linux.
func OpenFile(path string, size int64) (*File, error) {
	return nil, errors.New("file namespace stores need linux")
}
