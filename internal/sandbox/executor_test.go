// ABOUTME: Tests for sandboxed execution: allow-list, exit codes, timeouts, cancellation and file access.

package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hostlink/internal/metrics"
	"github.com/2389/hostlink/internal/protocol"
)

type fakeCollector struct {
	snap *metrics.Snapshot
}

func (f *fakeCollector) CollectAll(ctx context.Context) (*metrics.Snapshot, error) {
	return f.snap, nil
}

func (f *fakeCollector) CollectBasic(ctx context.Context) (*metrics.Snapshot, error) {
	return f.snap, nil
}

func newTestExecutor(t *testing.T, mutate func(*Policy)) *Executor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sandbox tests need a unix userland")
	}
	policy := DefaultPolicy()
	policy.AllowedCommands = []string{"echo", "sleep", "false", "cat"}
	policy.WorkDir = t.TempDir()
	if mutate != nil {
		mutate(&policy)
	}
	return New(policy, &fakeCollector{snap: &metrics.Snapshot{Hostname: "test-host", LoadAverage: []float64{0, 0, 0}}}, nil)
}

func TestExecute_AllowedShellCommand(t *testing.T) {
	e := newTestExecutor(t, nil)

	res := e.Execute(context.Background(), Command{Kind: KindShell, Argv: []string{"echo", "hello"}})

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, 0, res.ReturnCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, "shell", res.CommandType)
	assert.GreaterOrEqual(t, res.ExecutionTime, 0.0)
}

func TestExecute_PropagatesExitCode(t *testing.T) {
	e := newTestExecutor(t, nil)

	res := e.Execute(context.Background(), Command{Kind: KindShell, Argv: []string{"false"}})

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ReturnCode)
}

func TestExecute_RejectsCommandOutsideAllowList(t *testing.T) {
	e := newTestExecutor(t, nil)
	marker := filepath.Join(t.TempDir(), "survivor")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	res := e.Execute(context.Background(), Command{Kind: KindShell, Argv: []string{"rm", "-rf", marker}})

	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ReturnCode)
	assert.Contains(t, res.Error, "allow-list")
	assert.FileExists(t, marker)
}

func TestExecute_PrefixMatchesOnWordBoundary(t *testing.T) {
	e := newTestExecutor(t, func(p *Policy) {
		p.AllowedCommands = []string{"ec"}
	})

	res := e.Execute(context.Background(), Command{Kind: KindShell, Argv: []string{"echo", "hi"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "allow-list")
}

func TestExecute_ShellArgumentPathsAreGated(t *testing.T) {
	e := newTestExecutor(t, nil)

	res := e.Execute(context.Background(), Command{Kind: KindShell, Argv: []string{"cat", "/etc/shadow"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "denied")

	res = e.Execute(context.Background(), Command{Kind: KindShell, Argv: []string{"cat", "logs/../../secret"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "parent reference")
}

func TestExecute_RecursiveReadersCannotBypassDenyList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.key"), []byte("SECRET-PRIVATE-KEY\n"), 0o600))
	e := newTestExecutor(t, func(p *Policy) {
		p.AllowedCommands = append(p.AllowedCommands, "grep")
	})

	res := e.Execute(context.Background(), Command{Kind: KindShell, Argv: []string{"cat", filepath.Join(dir, "server.key")}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "denied")

	for _, argv := range [][]string{
		{"grep", "-r", "SECRET", dir},
		{"grep", "-rn", "SECRET", dir},
		{"grep", "-R", "SECRET", dir},
		{"grep", "--recursive", "SECRET", dir},
		{"grep", "-d", "recurse", "SECRET", dir},
	} {
		res := e.Execute(context.Background(), Command{Kind: KindShell, Argv: argv})
		assert.False(t, res.Success, strings.Join(argv, " "))
		assert.Contains(t, res.Error, "recursive", strings.Join(argv, " "))
		assert.NotContains(t, res.Stdout, "SECRET-PRIVATE-KEY")
	}
}

func TestExecute_RelativeArgumentsAreGatedAgainstWorkDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.key"), []byte("SECRET-PRIVATE-KEY\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello\n"), 0o644))
	e := newTestExecutor(t, func(p *Policy) { p.WorkDir = dir })

	res := e.Execute(context.Background(), Command{Kind: KindShell, Argv: []string{"cat", "server.key"}})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "denied")
	assert.Empty(t, res.Stdout)

	res = e.Execute(context.Background(), Command{Kind: KindShell, Argv: []string{"cat", "--", "notes.txt"}})
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "hello\n", res.Stdout)
}

func TestRecursiveFlag(t *testing.T) {
	tests := []struct {
		bin, prev, arg string
		want           bool
	}{
		{"grep", "grep", "-r", true},
		{"grep", "grep", "-inr", true},
		{"grep", "-d", "recurse", true},
		{"grep", "grep", "--directories=recurse", true},
		{"grep", "grep", "-i", false},
		{"ls", "ls", "-lR", true},
		{"uname", "uname", "-r", false},
		{"journalctl", "journalctl", "-r", false},
		{"cat", "cat", "--recursive", true},
		{"cat", "cat", "recurse", false},
	}
	for _, tt := range tests {
		if got := recursiveFlag(tt.bin, tt.prev, tt.arg); got != tt.want {
			t.Errorf("recursiveFlag(%q, %q, %q) = %v, want %v", tt.bin, tt.prev, tt.arg, got, tt.want)
		}
	}
}

func TestExecute_Timeout(t *testing.T) {
	e := newTestExecutor(t, nil)

	start := time.Now()
	res := e.Execute(context.Background(), Command{
		Kind:    KindShell,
		Argv:    []string{"sleep", "5"},
		Timeout: 100 * time.Millisecond,
	})

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ReturnCode)
	assert.Equal(t, ErrTimeout.Error(), res.Error)
}

func TestExecute_CancelByID(t *testing.T) {
	e := newTestExecutor(t, nil)
	done := make(chan Result, 1)

	go func() {
		done <- e.Execute(context.Background(), Command{
			ID:      "req-cancel",
			Kind:    KindShell,
			Argv:    []string{"sleep", "5"},
			Timeout: 10 * time.Second,
		})
	}()

	require.Eventually(t, func() bool { return e.Running() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, e.Cancel("req-cancel"))

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.Equal(t, -1, res.ReturnCode)
		assert.Equal(t, ErrCancelled.Error(), res.Error)
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled command did not return")
	}
	assert.Zero(t, e.Running())
	assert.False(t, e.Cancel("req-cancel"))
}

func TestExecute_DuplicateLiveID(t *testing.T) {
	e := newTestExecutor(t, nil)
	done := make(chan Result, 1)

	go func() {
		done <- e.Execute(context.Background(), Command{ID: "dup", Kind: KindShell, Argv: []string{"sleep", "5"}})
	}()
	require.Eventually(t, func() bool { return e.Running() == 1 }, time.Second, 5*time.Millisecond)

	res := e.Execute(context.Background(), Command{ID: "dup", Kind: KindShell, Argv: []string{"echo", "again"}})
	assert.False(t, res.Success)
	assert.Equal(t, ErrAlreadyRunning.Error(), res.Error)

	e.Cancel("dup")
	<-done
}

func TestExecute_Disabled(t *testing.T) {
	e := newTestExecutor(t, func(p *Policy) { p.Enabled = false })

	res := e.Execute(context.Background(), Command{Kind: KindShell, Argv: []string{"echo", "hi"}})
	assert.False(t, res.Success)
	assert.Equal(t, ErrDisabled.Error(), res.Error)
}

func TestExecute_UnknownKind(t *testing.T) {
	e := newTestExecutor(t, nil)

	res := e.Execute(context.Background(), Command{Kind: Kind("teleport")})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unsupported command")
}

func TestExecute_FileRead(t *testing.T) {
	e := newTestExecutor(t, func(p *Policy) { p.MaxFileSize = 16 })
	dir := t.TempDir()

	exact := filepath.Join(dir, "exact.log")
	require.NoError(t, os.WriteFile(exact, []byte("0123456789abcdef"), 0o644))
	big := filepath.Join(dir, "big.log")
	require.NoError(t, os.WriteFile(big, []byte("0123456789abcdefX"), 0o644))

	res := e.Execute(context.Background(), Command{Kind: KindFileRead, Path: exact})
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "0123456789abcdef", res.Stdout)

	res = e.Execute(context.Background(), Command{Kind: KindFileRead, Path: big})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exceeds limit")

	res = e.Execute(context.Background(), Command{Kind: KindFileRead, Path: filepath.Join(dir, "missing.log")})
	assert.False(t, res.Success)

	res = e.Execute(context.Background(), Command{Kind: KindFileRead, Path: dir})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not a regular file")
}

func TestExecute_FileReadDenyList(t *testing.T) {
	e := newTestExecutor(t, nil)
	dir := t.TempDir()

	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("secret"), 0o600))
	innocent := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.Symlink(keyFile, innocent))
	shadowLink := filepath.Join(dir, "shadow-link")
	require.NoError(t, os.Symlink("/etc/shadow", shadowLink))

	for _, path := range []string{"/etc/shadow", "~/.ssh/id_rsa", keyFile, innocent, shadowLink, filepath.Join(dir, "cert.pem")} {
		t.Run(path, func(t *testing.T) {
			res := e.Execute(context.Background(), Command{Kind: KindFileRead, Path: path})
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, "denied")
		})
	}
}

func TestExecute_FileList(t *testing.T) {
	e := newTestExecutor(t, nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("abc"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "deep.txt"), []byte("x"), 0o644))

	res := e.Execute(context.Background(), Command{Kind: KindFileList, Path: dir})
	require.True(t, res.Success, res.Error)

	var entries []DirEntry
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &entries))
	assert.ElementsMatch(t, []DirEntry{
		{Name: "a.txt", Type: "file", Size: 3},
		{Name: "sub", Type: "directory"},
	}, entries)
}

func TestExecute_ServiceStatusRejectsBadName(t *testing.T) {
	e := newTestExecutor(t, nil)

	for _, name := range []string{"", "nginx;reboot", "../x", "a b"} {
		res := e.Execute(context.Background(), Command{Kind: KindServiceStatus, Service: name})
		assert.False(t, res.Success, name)
		assert.Contains(t, res.Error, "invalid service name", name)
	}
}

func TestExecute_SystemInfo(t *testing.T) {
	e := newTestExecutor(t, nil)

	res := e.Execute(context.Background(), Command{Kind: KindSystemInfo})
	require.True(t, res.Success, res.Error)

	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal([]byte(res.Stdout), &snap))
	assert.Equal(t, "test-host", snap.Hostname)
	assert.Empty(t, snap.Environment)
}

func TestRun_PlansAndExecutes(t *testing.T) {
	e := newTestExecutor(t, nil)
	dir := t.TempDir()
	logFile := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(logFile, []byte("line one\n"), 0o644))

	out := e.Run(context.Background(), "r1", protocolRequest("logs", "read-local", logFile))
	assert.True(t, out.Success, out.Error)
	assert.Equal(t, "line one\n", out.Stdout)
	assert.Equal(t, "file_read", out.CommandType)

	out = e.Run(context.Background(), "r2", protocolRequest("logs", "read-local"))
	assert.False(t, out.Success)
	assert.True(t, strings.Contains(out.Error, "requires a file path"))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, protocol.StatusCompleted, Status(protocol.CommandResult{Success: true}))
	assert.Equal(t, protocol.StatusTimeout, Status(failure(ErrTimeout).ToProtocol()))
	assert.Equal(t, protocol.StatusCancelled, Status(Cancelled()))
	assert.Equal(t, protocol.StatusFailed, Status(Failed(ErrDisabled)))
	assert.Equal(t, -1, Cancelled().ReturnCode)
}
