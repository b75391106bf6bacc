// ABOUTME: Allow-listed subprocess execution with an explicit argv and a fixed environment.
// ABOUTME: Never invokes a shell interpreter; binaries are resolved from a fixed search path.

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
const waitDelay = 2 * time.Second

func (e *Executor) runShell(ctx context.Context, argv []string) Result {
	if len(argv) == 0 || argv[0] == "" {
		return failure(refused(KindShell, "empty command", nil))
	}
	if !e.allowed(argv) {
		return failure(refused(KindShell, fmt.Sprintf("command %q is not in the allow-list", strings.Join(argv, " ")), nil))
	}
	for i, arg := range argv[1:] {
		if recursiveFlag(argv[0], argv[i], arg) {
			return failure(refused(KindShell, fmt.Sprintf("recursive flag %q is not allowed", arg), nil))
		}
		if err := e.checkArgPath(arg); err != nil {
			return failure(err)
		}
	}

	bin, err := e.lookPath(argv[0])
	if err != nil {
		return failure(refused(KindShell, "resolving binary", err))
	}

	stdout := &cappedBuffer{limit: e.policy.MaxOutputSize}
	stderr := &cappedBuffer{limit: e.policy.MaxOutputSize}

	cmd := exec.CommandContext(ctx, bin, argv[1:]...)
	cmd.Env = e.environment()
	cmd.Dir = e.workDir()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	runErr := cmd.Run()

	if ctx.Err() != nil {
		return interrupted(ctx, stdout.String(), stderr.String())
	}

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.Success = true
	case errors.As(runErr, &exitErr):
		res.ReturnCode = exitErr.ExitCode()
		res.Error = fmt.Sprintf("exit status %d", res.ReturnCode)
	default:
		res.ReturnCode = -1
		res.Error = refused(KindShell, "starting process", runErr).Error()
	}
	return res
}

func (e *Executor) serviceStatus(ctx context.Context, name string) Result {
	if !validServiceName(name) {
		return failure(refused(KindServiceStatus, fmt.Sprintf("invalid service name %q", name), nil))
	}

	ctx, cancel := context.WithTimeoutCause(ctx, serviceStatusTimeout, ErrTimeout)
	defer cancel()

	res := e.runShell(ctx, []string{"systemctl", "status", name})
	// systemctl status exits 3 for an inactive unit; that is still a valid report.
	if res.ReturnCode == 3 && res.Stdout != "" {
		res.Success = true
		res.Error = ""
	}
	return res
}

// allowed reports whether argv starts with an allow-listed prefix on a word boundary.
func (e *Executor) allowed(argv []string) bool {
	joined := strings.Join(argv, " ")
	for _, prefix := range e.policy.AllowedCommands {
		if joined == prefix || strings.HasPrefix(joined, prefix+" ") {
			return true
		}
	}
	return false
}

// checkArgPath applies the path gate to every argument that could name a
// file. Relative names are resolved against the working directory, and the
// value of a --flag=value argument is checked on its own.
func (e *Executor) checkArgPath(arg string) error {
	if strings.Contains(arg, "..") {
		return refused(KindShell, fmt.Sprintf("argument %q contains a parent reference", arg), nil)
	}
	if strings.HasPrefix(arg, "-") {
		_, value, ok := strings.Cut(arg, "=")
		if !ok || value == "" {
			return nil
		}
		arg = value
	}
	if arg == "" {
		return nil
	}
	if !filepath.IsAbs(arg) && !strings.HasPrefix(arg, "~") {
		arg = filepath.Join(e.workDir(), arg)
	}
	if _, err := e.gate.Resolve(arg); err != nil {
		return refused(KindShell, "argument path", err)
	}
	return nil
}

// grepLike binaries treat a bare -r in a short flag cluster as recursion.
var grepLike = map[string]bool{"grep": true, "egrep": true, "fgrep": true}

// recursiveFlag reports whether arg, following prev, asks bin to descend
// into directories, which would read files the path gate never sees.
func recursiveFlag(bin, prev, arg string) bool {
	switch {
	case prev == "-d" && arg == "recurse" && grepLike[bin]:
		return true
	case arg == "--recursive", arg == "--dereference-recursive",
		strings.HasPrefix(arg, "--directories=recurse"), strings.HasPrefix(arg, "-drecurse"):
		return true
	case strings.HasPrefix(arg, "--"), !strings.HasPrefix(arg, "-"):
		return false
	}
	cluster := arg[1:]
	if strings.ContainsRune(cluster, 'R') {
		return true
	}
	return grepLike[bin] && strings.ContainsRune(cluster, 'r')
}

func (e *Executor) lookPath(name string) (string, error) {
	if strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("binary %q must be a bare name", name)
	}
	for _, dir := range e.policy.SearchPath {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%q not found in %s", name, strings.Join(e.policy.SearchPath, ":"))
}

// environment is the fixed environment every subprocess receives.
func (e *Executor) environment() []string {
	env := []string{
		"PATH=" + strings.Join(e.policy.SearchPath, ":"),
		"HOME=/tmp",
		"USER=" + e.policy.User,
	}
	for _, name := range []string{"LANG", "LC_ALL", "TZ"} {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}

func (e *Executor) workDir() string {
	if info, err := os.Stat(e.policy.WorkDir); err == nil && info.IsDir() {
		return e.policy.WorkDir
	}
	return os.TempDir()
}

func validServiceName(name string) bool {
	if name == "" || len(name) > 256 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// cappedBuffer keeps at most limit bytes and silently drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
