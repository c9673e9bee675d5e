package fileio

import (
	"syscall"

	"github.com/phuslu/log"
	"github.com/pkg/errors"
)

const permissionBits = 0755

/*
IoQueue is the synchronous positioned I/O layer under the buffered
file. One queue wraps one file descriptor; reads and writes carry
their own offsets so concurrent readers never share a seek cursor.
Errors propagate to the caller, there is no retry.
*/
type IoQueue struct {
	logger   log.Logger
	fd       int
	path     string
	readOnly bool
}

func OpenFile(logger log.Logger, path string, create bool, readOnly bool) (*IoQueue, error) {
	flags := syscall.O_RDWR | syscall.O_DSYNC
	if readOnly {
		flags = syscall.O_RDONLY
	}
	if create {
		flags |= syscall.O_CREAT
	}

	fd, err := syscall.Open(path, flags, permissionBits)
	if err != nil {
		logger.Error().Err(err).Msgf("failed to open archive file %s", path)
		return nil, errors.Wrapf(err, "opening archive file %s", path)
	}

	return &IoQueue{
		logger:   logger,
		fd:       fd,
		path:     path,
		readOnly: readOnly,
	}, nil
}

// ReadPage fills buffer from fileOffset. A read that runs past the end
// of the file zero fills the remainder; bytes beyond the committed
// region are undefined on disk until the next commit overwrites them.
func (q *IoQueue) ReadPage(fileOffset int64, buffer []byte) error {
	read := 0
	for read < len(buffer) {
		n, err := syscall.Pread(q.fd, buffer[read:], fileOffset+int64(read))
		if err != nil {
			q.logger.Error().Err(err).Msgf("failed to read %d bytes at %d from %s", len(buffer), fileOffset, q.path)
			return errors.Wrapf(err, "reading page at %d", fileOffset)
		}
		if n == 0 {
			for i := read; i < len(buffer); i++ {
				buffer[i] = 0
			}
			return nil
		}
		read += n
	}
	return nil
}

// Write persists buffer at fileOffset. Durability is the caller's
// concern; commit paths call Flush once the sequence is complete.
func (q *IoQueue) Write(fileOffset int64, buffer []byte) error {
	if q.readOnly {
		return errors.New("write on read only archive file")
	}
	written := 0
	for written < len(buffer) {
		n, err := syscall.Pwrite(q.fd, buffer[written:], fileOffset+int64(written))
		if err != nil {
			q.logger.Error().Err(err).Msgf("failed to write %d bytes at %d to %s", len(buffer), fileOffset, q.path)
			return errors.Wrapf(err, "writing %d bytes at %d", len(buffer), fileOffset)
		}
		written += n
	}
	return nil
}

func (q *IoQueue) Flush() error {
	if err := syscall.Fsync(q.fd); err != nil {
		q.logger.Error().Err(err).Msgf("failed to fsync %s", q.path)
		return errors.Wrapf(err, "fsync %s", q.path)
	}
	return nil
}

func (q *IoQueue) Length() (int64, error) {
	var stat syscall.Stat_t
	if err := syscall.Fstat(q.fd, &stat); err != nil {
		return 0, errors.Wrapf(err, "stat %s", q.path)
	}
	return stat.Size, nil
}

func (q *IoQueue) CanWrite() bool {
	return !q.readOnly
}

func (q *IoQueue) Close() error {
	if err := syscall.Close(q.fd); err != nil {
		return errors.Wrapf(err, "closing %s", q.path)
	}
	return nil
}
