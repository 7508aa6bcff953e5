// Package daemon supervises background dev and production servers:
// spawning detached worker processes, tracking them through pid files
// under KLISK_HOME/run, and tearing them down again.
//
// A supervisor observes three states. Absent: no pid file, no start in
// flight. Starting: another process holds the start lock. Running: the
// pid file names a live process. Corrupt and stale pid files are
// removed on read, so observation never reports a dead daemon.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"klisk/internal/logging"
	"klisk/internal/paths"
)

// Kind selects the daemon flavor. Dev daemons serve the Studio API;
// serve daemons run the production server.
type Kind int

const (
	KindDev Kind = iota
	KindServe
)

// State is what a supervisor observed about its daemon.
type State int

const (
	StateAbsent State = iota
	StateStarting
	StateRunning
)

var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrNotRunning     = errors.New("server not running")
)

const (
	devStartTimeout   = 10 * time.Second
	serveStartTimeout = 30 * time.Second

	// A start lock older than this belongs to a crashed starter.
	lockStale = 30 * time.Second

	pollInterval = 200 * time.Millisecond
)

// PidInfo records a running daemon. The JSON lands in the pid file and
// is read back by status commands.
type PidInfo struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	Project   string `json:"project"`
	StartedAt string `json:"started_at"`
	Dir       string `json:"cwd"`
	LogFile   string `json:"log_file"`
}

// Uptime returns how long the daemon has been up, zero when the
// recorded timestamp does not parse.
func (i *PidInfo) Uptime() time.Duration {
	t, err := time.Parse(time.RFC3339, i.StartedAt)
	if err != nil {
		return 0
	}
	return time.Since(t)
}

// StartOptions parameterize one daemon launch. Args is the full argv
// passed to the re-executed klisk binary, so the port must already be
// baked in; callers pick one with FreePort first when needed.
type StartOptions struct {
	Project string
	Dir     string
	Args    []string
	Port    int
	Timeout time.Duration
}

// Supervisor manages one named daemon.
type Supervisor struct {
	kind Kind
	name string
	stem string
	log  *logging.Logger
}

// New creates a supervisor. Dev daemons use name.pid; production
// daemons prefix prod- so both kinds can run for the same project.
func New(kind Kind, name string) *Supervisor {
	stem := name
	if kind == KindServe {
		stem = "prod-" + name
	}
	return &Supervisor{
		kind: kind,
		name: name,
		stem: stem,
		log:  logging.Get(logging.CategoryDaemon),
	}
}

func (s *Supervisor) pidPath() string  { return filepath.Join(paths.RunDir(), s.stem+".pid") }
func (s *Supervisor) lockPath() string { return s.pidPath() + ".lock" }

// LogPath returns where the daemon's stdout and stderr are appended.
func (s *Supervisor) LogPath() string { return filepath.Join(paths.LogDir(), s.stem+".log") }

// State reports the observed daemon state and, when running, its info.
func (s *Supervisor) State() (State, *PidInfo) {
	if info := s.readInfo(); info != nil {
		return StateRunning, info
	}
	if st, err := os.Stat(s.lockPath()); err == nil && time.Since(st.ModTime()) < lockStale {
		return StateStarting, nil
	}
	return StateAbsent, nil
}

// Start launches the worker and waits until its port accepts
// connections. On success the pid file is written and the info
// returned. A daemon already running returns its info alongside
// ErrAlreadyRunning.
func (s *Supervisor) Start(opts StartOptions) (*PidInfo, error) {
	if info := s.readInfo(); info != nil {
		return info, ErrAlreadyRunning
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("starting %s: port required", s.name)
	}
	if PortInUse(opts.Port) {
		return nil, fmt.Errorf("port %d is already in use by another process", opts.Port)
	}

	if err := os.MkdirAll(paths.RunDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}
	if err := os.MkdirAll(paths.LogDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	release, err := s.acquireLock()
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.name, err)
	}
	defer release()

	// Racing starter may have finished while we waited on the lock.
	if info := s.readInfo(); info != nil {
		return info, ErrAlreadyRunning
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating klisk binary: %w", err)
	}

	logPath := s.LogPath()
	logf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer logf.Close()

	cmd := exec.Command(exe, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Stdout = logf
	cmd.Stderr = logf
	// Own session: survives the parent CLI and dies as a group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning worker: %w", err)
	}
	pid := cmd.Process.Pid
	s.log.Info("spawned %s worker pid %d, waiting on port %d", s.stem, pid, opts.Port)

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	deadline := time.Now().Add(s.startTimeout(opts))
	for time.Now().Before(deadline) {
		select {
		case <-exited:
			return nil, s.startFailure(pid, logPath, "server exited during startup")
		default:
		}
		if PortInUse(opts.Port) {
			info := &PidInfo{
				PID:       pid,
				Port:      opts.Port,
				Project:   opts.Project,
				StartedAt: time.Now().UTC().Format(time.RFC3339),
				Dir:       opts.Dir,
				LogFile:   logPath,
			}
			if err := s.writeInfo(info); err != nil {
				killGroup(pid, syscall.SIGTERM)
				return nil, fmt.Errorf("writing pid file: %w", err)
			}
			s.log.Info("%s worker pid %d ready on port %d", s.stem, pid, opts.Port)
			return info, nil
		}
		time.Sleep(pollInterval)
	}
	return nil, s.startFailure(pid, logPath, fmt.Sprintf("server did not come up within %s", s.startTimeout(opts)))
}

// Stop terminates the supervised process and removes the pid file.
// Returns false when nothing was running.
func (s *Supervisor) Stop() (bool, error) {
	info := s.readInfo()
	if info == nil {
		return false, nil
	}

	err := s.terminate(info.PID, info.Port)
	os.Remove(s.pidPath())
	if err != nil {
		return true, err
	}
	s.log.Info("stopped %s worker pid %d", s.stem, info.PID)
	return true, nil
}

// StopOrphan kills a production server that lost its pid file. The
// server on port must identify as project through /api/info; anything
// else is left alone.
func (s *Supervisor) StopOrphan(port int, project string) (bool, error) {
	if !PortInUse(port) {
		return false, nil
	}
	name, ok := probeName(port)
	if !ok {
		return false, nil
	}
	if project != "" && name != project {
		return false, fmt.Errorf("port %d is serving %q, not %q", port, name, project)
	}
	pid := pidOnPort(port)
	if pid <= 0 {
		return false, fmt.Errorf("could not identify the process on port %d", port)
	}
	s.log.Info("stopping orphaned server %q pid %d on port %d", name, pid, port)
	return true, s.terminate(pid, port)
}

func (s *Supervisor) startTimeout(opts StartOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if s.kind == KindServe {
		return serveStartTimeout
	}
	return devStartTimeout
}

func (s *Supervisor) startFailure(pid int, logPath, cause string) error {
	killGroup(pid, syscall.SIGTERM)
	if tail := tailLines(logPath, 5); tail != "" {
		return fmt.Errorf("%s\n%s", cause, tail)
	}
	return errors.New(cause)
}

// terminate asks pid's session to exit. Dev workers get a short grace;
// production workers are waited out and SIGKILLed if they linger.
func (s *Supervisor) terminate(pid, port int) error {
	killGroup(pid, syscall.SIGTERM)
	if s.kind == KindDev {
		waitDead(pid, 2*time.Second)
		return nil
	}

	if waitDead(pid, 3*time.Second) {
		waitPortFree(port, time.Second)
		return nil
	}
	killGroup(pid, syscall.SIGKILL)
	if !waitDead(pid, time.Second) {
		return fmt.Errorf("pid %d survived SIGKILL", pid)
	}
	waitPortFree(port, time.Second)
	return nil
}

// readInfo loads the pid file, clearing it when corrupt or when the
// recorded process is gone.
func (s *Supervisor) readInfo() *PidInfo {
	data, err := os.ReadFile(s.pidPath())
	if err != nil {
		return nil
	}
	var info PidInfo
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 {
		s.log.Warn("removing corrupt pid file %s", s.pidPath())
		os.Remove(s.pidPath())
		return nil
	}
	if !Alive(info.PID) {
		s.log.Info("removing stale pid file for dead pid %d", info.PID)
		os.Remove(s.pidPath())
		return nil
	}
	return &info
}

func (s *Supervisor) writeInfo(info *PidInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.pidPath(), append(data, '\n'), 0o644)
}

// acquireLock takes the start lock via O_EXCL creation. A lock left by
// a crashed starter is broken once it ages past lockStale.
func (s *Supervisor) acquireLock() (func(), error) {
	path := s.lockPath()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		st, statErr := os.Stat(path)
		if statErr == nil && time.Since(st.ModTime()) < lockStale {
			return nil, errors.New("another start is already in progress")
		}
		os.Remove(path)
	}
	return nil, errors.New("could not acquire start lock")
}

// Alive reports whether pid refers to a live process. EPERM still
// means alive, just not ours.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// PortInUse reports whether something accepts TCP connections on the
// local port.
func PortInUse(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), pollInterval)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// FreePort scans for an unbound port starting at start, falling back
// to a kernel-assigned one when the whole range is taken.
func FreePort(start int) int {
	for port := start; port < start+100; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		l.Close()
		return port
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return start
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// killGroup signals pid's whole process group, falling back to the pid
// alone when it leads no group.
func killGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		syscall.Kill(pid, sig)
	}
}

func waitDead(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !Alive(pid)
}

func waitPortFree(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !PortInUse(port) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !PortInUse(port)
}

// probeName asks the server on port for its project name. Only klisk
// production servers answer /api/info.
func probeName(port int) (string, bool) {
	client := &http.Client{Timeout: 2 * time.Second}
	res, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/info", port))
	if err != nil {
		return "", false
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", false
	}
	var info struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return "", false
	}
	return info.Name, true
}

// pidOnPort shells out to lsof; there is no portable API for finding a
// socket's owner.
func pidOnPort(port int) int {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return pid
}

// tailLines returns the last n lines of the file at path.
func tailLines(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
