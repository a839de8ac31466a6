//go:build unix

package lock

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// processAlive reports whether pid exists. EPERM means it exists but belongs
// to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// acquireGuard takes a blocking exclusive flock on path. The kernel drops it
// if the process dies, so the guard itself can never go stale.
func acquireGuard(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock guard %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return func() {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			log.Debug().Err(err).Msg("flock unlock failed")
		}
		if err := f.Close(); err != nil {
			log.Debug().Err(err).Msg("lock guard close failed")
		}
	}, nil
}
