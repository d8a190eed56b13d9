// Package remotehost implements the Remote Host Gateway: a thin,
// lazy-connecting SSH/SFTP client for the GPU machines the Fine-Tune
// Orchestrator and Inference Cluster Controller drive directly.
package remotehost

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crosslogic/finetune-control-plane/internal/config"
	"github.com/crosslogic/finetune-control-plane/internal/credentials"
	"github.com/crosslogic/finetune-control-plane/pkg/models"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// ServiceStatus is the systemd unit health reported by MonitorServiceStatus,
// reusing the Fine-Tune Orchestrator's job-status vocabulary (§4.3).
type ServiceStatus string

const (
	ServiceStarting ServiceStatus = "Starting"
	ServiceSuccess  ServiceStatus = "Success"
	ServiceFailed   ServiceStatus = "Failed"
	ServiceError    ServiceStatus = "Error"
)

// Gateway addresses a single remote machine over SSH. One underlying
// transport is held per Gateway instance, lazily dialed and closed on
// normal exit of each non-streaming operation — this matters for
// the 10s fine-tune watcher poll, which must never hold a socket open
// between polls.
type Gateway struct {
	machine models.Machine
	creds   credentials.SSHCredentials
	cfg     config.SSHConfig
	logger  *zap.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewGateway builds a Gateway for the given machine using its decrypted SSH
// credentials. The Gateway does not dial until first used.
func NewGateway(machine models.Machine, creds credentials.SSHCredentials, cfg config.SSHConfig, logger *zap.Logger) *Gateway {
	return &Gateway{machine: machine, creds: creds, cfg: cfg, logger: logger}
}

func (g *Gateway) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if g.creds.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(g.creds.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if g.creds.Password != "" {
		methods = append(methods, ssh.Password(g.creds.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh auth method configured for machine %s", g.machine.ID)
	}
	return methods, nil
}

// connect returns the live SSH client, dialing it on first call.
func (g *Gateway) connect(ctx context.Context) (*ssh.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}

	methods, err := g.authMethods()
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            g.machine.SSHUser,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         g.cfg.DialTimeout,
	}

	addr := net.JoinHostPort(g.machine.IP, strconv.Itoa(g.machine.SSHPort))
	dialer := net.Dialer{Timeout: g.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	g.client = ssh.NewClient(sshConn, chans, reqs)
	return g.client, nil
}

// Close tears down the underlying transport, if any. Safe to call when
// nothing is connected.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

// closeIfIdle closes the transport unconditionally — used by
// execute_command and the non-streaming operations, which close on normal
// exit (§4.3 connection lifecycle). It does not check whether a TailLog or
// GetLargeFile stream is still reading over the same client.
func (g *Gateway) closeIfIdle() {
	g.Close()
}

// TestConnection dials the machine and runs a no-op command.
func (g *Gateway) TestConnection(ctx context.Context) (bool, error) {
	defer g.closeIfIdle()
	client, err := g.connect(ctx)
	if err != nil {
		return false, err
	}
	session, err := client.NewSession()
	if err != nil {
		return false, err
	}
	defer session.Close()
	if err := session.Run("true"); err != nil {
		return false, err
	}
	return true, nil
}

// ExecuteCommand runs cmd on the remote machine with a hard timeout,
// returning separated stdout/stderr and the exit code.
func (g *Gateway) ExecuteCommand(ctx context.Context, cmd string, timeout time.Duration) (stdout, stderr string, exitCode int, err error) {
	defer g.closeIfIdle()

	client, err := g.connect(ctx)
	if err != nil {
		return "", "", -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, err
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-runCtx.Done():
		session.Signal(ssh.SIGTERM)
		return outBuf.String(), errBuf.String(), -1, runCtx.Err()
	case runErr := <-done:
		if runErr == nil {
			return outBuf.String(), errBuf.String(), 0, nil
		}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		return outBuf.String(), errBuf.String(), -1, runErr
	}
}

// TailLog spawns `tail -n 1000 -f path` and streams lines on the returned
// channel, preserving terminal newlines and buffering incomplete reads. The
// returned stop function terminates the remote tail and closes the
// transport; it must be called to release the connection.
func (g *Gateway) TailLog(ctx context.Context, path string) (<-chan string, func(), error) {
	client, err := g.connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		g.Close()
		return nil, nil, err
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		g.Close()
		return nil, nil, err
	}

	if err := session.Start(fmt.Sprintf("tail -n 1000 -f %s", path)); err != nil {
		session.Close()
		g.Close()
		return nil, nil, err
	}

	lines := make(chan string, 64)
	stop := func() {
		session.Signal(ssh.SIGTERM)
		session.Close()
		g.Close()
	}

	go func() {
		defer close(lines)
		reader := bufio.NewReader(stdout)
		for {
			line, readErr := reader.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		stop()
	}()

	return lines, stop, nil
}

// GetLargeFile streams a remote file's bytes via `cat`, chunkSize bytes at
// a time, under an overall deadline.
func (g *Gateway) GetLargeFile(ctx context.Context, path string, chunkSize int, timeout time.Duration) (<-chan []byte, error) {
	client, err := g.connect(ctx)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)

	session, err := client.NewSession()
	if err != nil {
		cancel()
		g.Close()
		return nil, err
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		cancel()
		session.Close()
		g.Close()
		return nil, err
	}

	if err := session.Start(fmt.Sprintf("cat %s", path)); err != nil {
		cancel()
		session.Close()
		g.Close()
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer cancel()
		defer session.Close()
		defer g.Close()
		defer close(out)

		buf := make([]byte, chunkSize)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-runCtx.Done():
					return
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				return
			}
			select {
			case <-runCtx.Done():
				return
			default:
			}
		}
	}()

	return out, nil
}

func (g *Gateway) sftpClient(ctx context.Context) (*sftp.Client, error) {
	client, err := g.connect(ctx)
	if err != nil {
		return nil, err
	}
	return sftp.NewClient(client)
}

// DownloadFile copies a remote file to the local filesystem via SFTP. If
// local names a directory, the remote file's basename is appended.
func (g *Gateway) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	defer g.closeIfIdle()

	sc, err := g.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	localPath = resolveLocalTarget(localPath, remotePath)
	if err := ensureLocalDir(localPath); err != nil {
		return err
	}

	remoteFile, err := sc.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file %s: %w", remotePath, err)
	}
	defer remoteFile.Close()

	localFile, err := createLocalFile(localPath)
	if err != nil {
		return err
	}
	defer localFile.Close()

	if _, err := io.Copy(localFile, remoteFile); err != nil {
		return fmt.Errorf("copy %s to %s: %w", remotePath, localPath, err)
	}
	return nil
}

// SftpUploadWithDirs uploads a local file to remotePath, creating missing
// remote parent directories. No-ops if the remote target already exists
// unless overwrite is set (upload idempotence required by the Fine-Tune
// Orchestrator's Initialize step).
func (g *Gateway) SftpUploadWithDirs(ctx context.Context, localPath, remotePath string, overwrite bool) error {
	defer g.closeIfIdle()

	sc, err := g.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer sc.Close()

	if !overwrite {
		if _, statErr := sc.Stat(remotePath); statErr == nil {
			return nil
		}
	}

	if err := mkdirAllRemote(sc, parentDir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote dirs for %s: %w", remotePath, err)
	}

	localFile, err := openLocalFile(localPath)
	if err != nil {
		return err
	}
	defer localFile.Close()

	remoteFile, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	defer remoteFile.Close()

	if _, err := io.Copy(remoteFile, localFile); err != nil {
		return fmt.Errorf("copy %s to %s: %w", localPath, remotePath, err)
	}
	return nil
}

func mkdirAllRemote(sc *sftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	if _, err := sc.Stat(dir); err == nil {
		return nil
	}
	if err := mkdirAllRemote(sc, parentDir(dir)); err != nil {
		return err
	}
	if err := sc.Mkdir(dir); err != nil {
		if _, statErr := sc.Stat(dir); statErr == nil {
			return nil
		}
		return err
	}
	return nil
}

func parentDir(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// availablePortPattern matches a LISTEN line's local port from `netstat -tln`.
var availablePortPattern = regexp.MustCompile(`:(\d+)\s+.*LISTEN`)

// FindAvailablePort scans [start, end) via netstat and returns the first
// port with no LISTEN entry.
func (g *Gateway) FindAvailablePort(ctx context.Context, start, end int) (int, error) {
	stdout, _, _, err := g.ExecuteCommand(ctx, "netstat -tln", 10*time.Second)
	if err != nil {
		return 0, fmt.Errorf("netstat: %w", err)
	}

	used := make(map[int]bool)
	for _, line := range strings.Split(stdout, "\n") {
		m := availablePortPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if port, err := strconv.Atoi(m[1]); err == nil {
			used[port] = true
		}
	}

	for port := start; port < end; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port in range [%d, %d)", start, end)
}

// AddCrontabEntry appends a crontab line (with an optional trailing
// comment) to the SSH user's crontab, idempotently.
func (g *Gateway) AddCrontabEntry(ctx context.Context, line, comment string) error {
	entry := line
	if comment != "" {
		entry = fmt.Sprintf("%s # %s", line, comment)
	}
	cmd := fmt.Sprintf(`(crontab -l 2>/dev/null | grep -vF %q; echo %q) | crontab -`, entry, entry)
	_, stderr, exitCode, err := g.ExecuteCommand(ctx, cmd, g.cfg.ExecTimeout)
	if err != nil {
		return fmt.Errorf("add crontab entry: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("add crontab entry exited %d: %s", exitCode, stderr)
	}
	return nil
}

// RemoveRebootTaskByName removes any crontab line tagged with the given
// `@reboot`-task name (matched as a trailing `# <name>` comment).
func (g *Gateway) RemoveRebootTaskByName(ctx context.Context, name string) error {
	cmd := fmt.Sprintf(`crontab -l 2>/dev/null | grep -vF "# %s" | crontab -`, name)
	_, stderr, exitCode, err := g.ExecuteCommand(ctx, cmd, g.cfg.ExecTimeout)
	if err != nil {
		return fmt.Errorf("remove reboot task %s: %w", name, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("remove reboot task %s exited %d: %s", name, exitCode, stderr)
	}
	return nil
}

// MonitorServiceStatus runs `systemctl status <name>.service` (a trailing
// ".service" already on name is not repeated) and maps the
// reported "Active:" line to a job-status-shaped ServiceStatus (§4.3).
func (g *Gateway) MonitorServiceStatus(ctx context.Context, name string) (ServiceStatus, string, error) {
	stdout, stderr, _, err := g.ExecuteCommand(ctx, fmt.Sprintf("systemctl status %s.service", strings.TrimSuffix(name, ".service")), g.cfg.ExecTimeout)
	if err != nil {
		return ServiceError, "", err
	}
	output := stdout + stderr
	return parseServiceStatus(output), output, nil
}

// parseServiceStatus maps systemctl status output's "Active:" line to a
// ServiceStatus per §4.3's pattern table.
func parseServiceStatus(output string) ServiceStatus {
	switch {
	case strings.Contains(output, "could not be found"):
		return ServiceError
	case strings.Contains(output, "Active: active (running)"):
		return ServiceStarting
	case strings.Contains(output, "Active: inactive (dead)"):
		return ServiceSuccess
	case strings.Contains(output, "Active: failed"):
		return ServiceFailed
	default:
		return ServiceError
	}
}
