// Package tunnel supervises the external HTTP tunnel binary that
// exposes a preview container's port on the public Internet: one
// child process per PR, line-scanned for its assigned URL, and torn
// down with SIGTERM, a grace period, then SIGKILL.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/riftline/previewctl/internal/metrics"
)

// ErrStartFailed indicates the tunnel process reported a fatal
// condition, or exited, before a public URL could be observed.
var ErrStartFailed = errors.New("tunnel: start failed")

var fatalPattern = regexp.MustCompile(`(?i)panic|fatal|unable to initialize|exited unexpectedly`)

// registeredPattern matches cloudflared's connection-registration log
// line. A named tunnel never prints its own https:// URL (the public
// hostname is configured out-of-band via DNS), so this is the only
// startup signal available for that mode.
var registeredPattern = regexp.MustCompile(`(?i)registered tunnel connection`)

// ignorableHosts are domains the tunnel binary prints in informational
// banners (marketing/ToS pages) that must never be mistaken for the
// assigned public URL.
var ignorableHosts = map[string]bool{
	"www.cloudflare.com": true,
	"developers.cloudflare.com": true,
	"terms.cloudflare.com": true,
}

// Options configures how a tunnel process is spawned and supervised.
type Options struct {
	Binary          string
	Protocol        string
	Name            string
	Domain          string
	CredentialsPath string
	StartupTimeout  time.Duration
	ShutdownGrace   time.Duration
	HealthInterval  time.Duration
}

// Handle is the live state of one PR's tunnel process.
type Handle struct {
	PRNumber  int
	PublicURL string
	StartedAt time.Time

	cmd    *exec.Cmd
	mu     sync.Mutex
	lastOK time.Time
	fails  int
}

// Manager owns every active tunnel process, keyed by PR number, and
// guarantees at most one live tunnel per PR.
type Manager struct {
	opts Options

	mu       sync.Mutex
	handles  map[int]*Handle
	stopHealth chan struct{}
}

// New constructs a Manager and starts its background health monitor if
// opts.HealthInterval is positive.
func New(opts Options) *Manager {
	m := &Manager{opts: opts, handles: map[int]*Handle{}, stopHealth: make(chan struct{})}
	if opts.HealthInterval > 0 {
		go m.healthLoop()
	}
	return m
}

// Start spawns a tunnel process mapping hostPort to a public URL for
// pr, replacing any existing tunnel for that PR first.
func (m *Manager) Start(ctx context.Context, pr, hostPort int) (string, error) {
	m.mu.Lock()
	if existing, ok := m.handles[pr]; ok {
		m.mu.Unlock()
		_ = m.Stop(context.Background(), pr)
		m.mu.Lock()
		delete(m.handles, pr)
		_ = existing
	}
	m.mu.Unlock()

	args := buildArgs(m.opts, pr, hostPort)
	cmd := exec.Command(m.opts.Binary, args...)
	cmd.SysProcAttr = setpgid()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("tunnel: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("tunnel: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("tunnel: start %s: %w", m.opts.Binary, err)
	}

	urlCh := make(chan string, 1)
	fatalCh := make(chan error, 1)
	registeredCh := make(chan struct{}, 2)
	go scanLines(stdout, urlCh, fatalCh, registeredCh)
	go scanLines(stderr, urlCh, fatalCh, registeredCh)

	timeout := m.opts.StartupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var publicURL string
	var registered bool
loop:
	for {
		select {
		case publicURL = <-urlCh:
			break loop
		case err := <-fatalCh:
			_ = killProcess(cmd)
			return "", fmt.Errorf("%w: %v", ErrStartFailed, err)
		case <-registeredCh:
			registered = true
		case <-timer.C:
			if registered {
				if presumed := presumedURL(m.opts, pr); presumed != "" {
					publicURL = presumed
					break loop
				}
			}
			_ = killProcess(cmd)
			return "", fmt.Errorf("%w: startup timeout after %s", ErrStartFailed, timeout)
		case <-ctx.Done():
			_ = killProcess(cmd)
			return "", ctx.Err()
		}
	}

	handle := &Handle{PRNumber: pr, PublicURL: publicURL, StartedAt: time.Now(), cmd: cmd, lastOK: time.Now()}
	m.mu.Lock()
	m.handles[pr] = handle
	m.mu.Unlock()
	metrics.New().ActiveTunnels.Inc()

	// Drain remaining output so the pipes never block the child.
	go io.Copy(io.Discard, stdout)
	go io.Copy(io.Discard, stderr)

	return publicURL, nil
}

// Stop terminates the tunnel for pr, if any: SIGTERM, wait up to the
// configured grace period, then SIGKILL.
func (m *Manager) Stop(ctx context.Context, pr int) error {
	m.mu.Lock()
	handle, ok := m.handles[pr]
	if ok {
		delete(m.handles, pr)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.New().ActiveTunnels.Dec()
	return stopHandle(handle, m.opts.ShutdownGrace)
}

// StopAll terminates every active tunnel, used on process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for pr, h := range m.handles {
		handles = append(handles, h)
		delete(m.handles, pr)
	}
	m.mu.Unlock()
	close(m.stopHealth)
	for _, h := range handles {
		_ = stopHandle(h, m.opts.ShutdownGrace)
	}
}

// URL returns the currently known public URL for pr, if a tunnel is
// active.
func (m *Manager) URL(pr int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[pr]
	if !ok {
		return "", false
	}
	return h.PublicURL, true
}

func stopHandle(h *Handle, grace time.Duration) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	_ = signalGroup(h.cmd, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- h.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = signalGroup(h.cmd, syscall.SIGKILL)
		<-done
		return nil
	}
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	_ = signalGroup(cmd, syscall.SIGKILL)
	_ = cmd.Wait()
	return nil
}

func buildArgs(opts Options, pr, hostPort int) []string {
	protocol := opts.Protocol
	if protocol == "" {
		protocol = "http2"
	}
	args := []string{
		"tunnel",
		"--protocol", protocol,
		"--url", fmt.Sprintf("http://127.0.0.1:%d", hostPort),
	}
	if opts.Name != "" {
		args = append(args, "run", "--name", fmt.Sprintf("%s-pr-%d", opts.Name, pr))
	}
	if opts.CredentialsPath != "" {
		args = append(args, "--credentials-file", opts.CredentialsPath)
	}
	return args
}

// scanLines reads lines from r, forwarding the first public URL it
// finds to urlCh, any fatal-pattern match to fatalCh, and a signal to
// registeredCh the first time a connection-registration line appears
// (named-tunnel mode never prints a URL, only this). It returns once r
// is closed.
func scanLines(r io.Reader, urlCh chan<- string, fatalCh chan<- error, registeredCh chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if fatalPattern.MatchString(line) {
			select {
			case fatalCh <- errors.New(line):
			default:
			}
			continue
		}
		if registeredPattern.MatchString(line) {
			select {
			case registeredCh <- struct{}{}:
			default:
			}
		}
		if u := extractPublicURL(line); u != "" {
			select {
			case urlCh <- u:
			default:
			}
		}
	}
}

// presumedURL constructs the public URL a named tunnel resolves to out
// of band, once its connection has registered. Returns "" if no domain
// is configured, in which case the caller still fails the start.
func presumedURL(opts Options, pr int) string {
	if opts.Name == "" || opts.Domain == "" {
		return ""
	}
	return fmt.Sprintf("https://%s-pr-%d.%s", opts.Name, pr, opts.Domain)
}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

func extractPublicURL(line string) string {
	match := urlPattern.FindString(line)
	if match == "" {
		return ""
	}
	parsed, err := url.Parse(match)
	if err != nil || parsed.Host == "" {
		return ""
	}
	if ignorableHosts[parsed.Hostname()] {
		return ""
	}
	return match
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.stopHealth:
			return
		}
	}
}

func (m *Manager) checkAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		ok := probeHead(h.PublicURL)
		h.mu.Lock()
		if ok {
			h.lastOK = time.Now()
			h.fails = 0
		} else {
			h.fails++
		}
		h.mu.Unlock()
	}
}

