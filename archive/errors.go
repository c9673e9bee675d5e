package archive

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidPosition flags a block request inside the header
	// region, which only the commit path may touch.
	ErrInvalidPosition = errors.New("position is inside the file header region")

	// ErrWriteToCommittedSpace flags a writing block request below the
	// committed high water mark.
	ErrWriteToCommittedSpace = errors.New("write requested inside committed space")

	ErrDisposed = errors.New("archive file is disposed")

	ErrReadOnly = errors.New("archive file is read only")

	// ErrNoValidHeader is returned at open when none of the redundant
	// header copies validates.
	ErrNoValidHeader = errors.New("no valid header copy found")
)
