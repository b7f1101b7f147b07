package soloist

import (
	"os"
	"testing"
	"time"
)

func tmpDir(t *testing.T) string {
	// Not t.TempDir(): the family's socket lives here and deeply nested
	// test paths can overrun the unix socket name limit.
	dir, err := os.MkdirTemp("", "soloist_test")
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

func testOS(pid int) mockOS {
	return mockOS{
		pid:      pid,
		exe:      "/opt/demo/bin/demo",
		username: "tester",
		pidAlive: true,
	}
}

func testIdentity() Identity {
	return Identity{
		AppName:    "demo",
		OrgName:    "soloist",
		OrgDomain:  "soloist.example",
		AppVersion: "1.2.3",
	}
}

func waitFor(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func expectQuiet(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(200 * time.Millisecond):
	}
}
