package storage

import (
	"os"
	"sync"
	"syscall"

	"github.com/spf13/afero"
)

// FileLock serializes writers of one file. On the OS filesystem it also takes
// an flock so separate processes sharing a data directory do not interleave.
type FileLock struct {
	fs   afero.Fs
	path string
	file afero.File
	mu   sync.Mutex
}

// NewFileLock creates a new file lock.
func NewFileLock(fs afero.Fs, path string) *FileLock {
	return &FileLock{fs: fs, path: path}
}

// Lock acquires an exclusive lock on the file.
func (l *FileLock) Lock() error {
	l.mu.Lock()
	if err := l.acquire(syscall.LOCK_EX); err != nil {
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *FileLock) acquire(how int) error {
	f, err := l.fs.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	if osf, ok := f.(*os.File); ok {
		if err := syscall.Flock(int(osf.Fd()), how); err != nil {
			f.Close()
			return err
		}
	}
	l.file = f
	return nil
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	if osf, ok := l.file.(*os.File); ok {
		syscall.Flock(int(osf.Fd()), syscall.LOCK_UN)
	}
	l.file.Close()
	l.fs.Remove(l.path + ".lock")

	l.file = nil
	l.mu.Unlock()
	return nil
}
