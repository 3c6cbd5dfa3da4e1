package pipeline

import (
	"fmt"
	"os"
	"strconv"
)

// runLock is a filesystem lock preventing overlapping runs against the
// same data directory. O_EXCL creation is atomic, so two concurrent runs
// cannot both win.
type runLock struct {
	path string
}

func acquireLock(path string) (*runLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return nil, fmt.Errorf("another run is in progress (lock file %s exists; remove it if the previous run crashed)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}

	// Record the owner pid so an operator can tell a live run from a
	// stale lock.
	f.WriteString(strconv.Itoa(os.Getpid()))
	f.Close()
	return &runLock{path: path}, nil
}

func (l *runLock) release() {
	os.Remove(l.path)
}
