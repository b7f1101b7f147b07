package soloist

import (
	"os"
	"os/user"

	"github.com/shirou/gopsutil/v4/process"
)

type osIface interface {
	Getpid() int
	Getenv(key string) string
	Executable() (string, error)
	Username() string
	PidAlive(pid int64) bool
}

type realOS struct{}

func (realOS) Getpid() int {
	return os.Getpid()
}

func (realOS) Getenv(key string) string {
	return os.Getenv(key)
}

func (realOS) Executable() (string, error) {
	return os.Executable()
}

func (realOS) Username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// PidAlive reports whether a process with the given pid currently exists.
// When the probe itself fails the pid is assumed alive, so a takeover never
// happens on flaky evidence.
func (realOS) PidAlive(pid int64) bool {
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return alive
}
