//go:build !unix

package coord

import (
	"context"
	"errors"
)

type FileLockManager struct{}

func NewFileLockManager(dir string) (*FileLockManager, error) {
	return nil, errors.New("file locks are only supported on unix platforms")
}

func (m *FileLockManager) Acquire(ctx context.Context, name string) (Release, error) {
	return nil, ErrClosed
}
