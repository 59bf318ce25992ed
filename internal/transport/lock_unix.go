//go:build unix

package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// acquireLock takes an exclusive advisory lock for device under dir, so two
// processes on one host never drive the same printer. An empty dir disables
// locking.
func acquireLock(dir, device string) (func(), error) {
	if dir == "" {
		return func() {}, nil
	}
	name := strings.NewReplacer("/", "_", ":", "_").Replace(strings.TrimPrefix(device, "/"))
	path := filepath.Join(dir, "LCK.."+name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%s is locked by another process", device)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	_, _ = fmt.Fprintf(f, "%10d\n", os.Getpid())

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		_ = os.Remove(path)
	}, nil
}
