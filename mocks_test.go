package soloist

type mockOS struct {
	pid      int
	exe      string
	username string
	env      map[string]string
	pidAlive bool
}

func (m mockOS) Getpid() int {
	return m.pid
}

func (m mockOS) Getenv(key string) string {
	return m.env[key]
}

func (m mockOS) Executable() (string, error) {
	return m.exe, nil
}

func (m mockOS) Username() string {
	return m.username
}

func (m mockOS) PidAlive(pid int64) bool {
	return m.pidAlive
}
