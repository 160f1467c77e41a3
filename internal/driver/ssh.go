package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	progressbar "github.com/schollz/progressbar/v3"
	"golang.org/x/crypto/ssh"

	"github.com/labgrid-project/labgrid-go/internal/logging"
)

// NetworkService describes the SSH endpoint of a target. It mirrors the
// params of a NetworkService resource as exported by an exporter.
type NetworkService struct {
	Address  string
	Port     int
	Username string
	Password string
	KeyFile  string
}

// NetworkServiceFromParams builds a NetworkService from resource params.
func NetworkServiceFromParams(params map[string]any) (NetworkService, error) {
	svc := NetworkService{Port: 22, Username: "root"}
	if v, ok := params["address"].(string); ok {
		svc.Address = v
	}
	if svc.Address == "" {
		return svc, errors.New("network service has no address")
	}
	if v, ok := params["port"].(float64); ok && v > 0 {
		svc.Port = int(v)
	}
	if v, ok := params["username"].(string); ok && v != "" {
		svc.Username = v
	}
	if v, ok := params["password"].(string); ok {
		svc.Password = v
	}
	if v, ok := params["keyfile"].(string); ok {
		svc.KeyFile = v
	}
	return svc, nil
}

// SSHDriver executes commands and transfers files over SSH. It keeps one
// multiplexed connection with a keepalive probe; Run fails fast once the
// keepalive is lost.
type SSHDriver struct {
	Service      NetworkService
	ShowProgress bool

	logger logging.Logger
	client *ssh.Client
	sftp   *sftp.Client
	alive  atomic.Bool
	stopKA chan struct{}

	mu         sync.Mutex
	background *BackgroundProcess
}

const keepaliveInterval = 15 * time.Second

// NewSSHDriver connects to the target described by svc.
func NewSSHDriver(svc NetworkService, logger logging.Logger) (*SSHDriver, error) {
	var methods []ssh.AuthMethod
	if svc.Password != "" {
		methods = append(methods, ssh.Password(svc.Password))
	}
	if svc.KeyFile != "" {
		key, err := os.ReadFile(svc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication method configured")
	}
	cfg := &ssh.ClientConfig{
		User:            svc.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	addr := net.JoinHostPort(svc.Address, fmt.Sprintf("%d", svc.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}
	d := &SSHDriver{
		Service: svc,
		logger:  logger,
		client:  client,
		sftp:    sftpClient,
		stopKA:  make(chan struct{}),
	}
	d.alive.Store(true)
	go d.keepalive()
	logger.Debug("ssh connected", "addr", addr, "user", svc.Username)
	return d, nil
}

// keepalive probes the connection until Close. A failed probe marks the
// driver dead so later Run calls fail without waiting for TCP timeouts.
func (d *SSHDriver) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopKA:
			return
		case <-ticker.C:
			if _, _, err := d.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				d.logger.Warn("ssh keepalive lost", "addr", d.Service.Address, "error", err.Error())
				d.alive.Store(false)
				return
			}
		}
	}
}

// Close shuts the connection down. Safe to call once.
func (d *SSHDriver) Close() error {
	close(d.stopKA)
	d.alive.Store(false)
	if d.sftp != nil {
		d.sftp.Close()
	}
	return d.client.Close()
}

func splitLines(b []byte) []string {
	s := strings.TrimSuffix(string(b), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Run implements CommandProtocol.
func (d *SSHDriver) Run(ctx context.Context, command string) ([]string, []string, int, error) {
	if !d.alive.Load() {
		return nil, nil, -1, errors.New("ssh connection is no longer alive")
	}
	session, err := d.client.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	if err := session.Start(command); err != nil {
		return nil, nil, -1, fmt.Errorf("start %q: %w", command, err)
	}
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		<-done
		return splitLines(stdout.Bytes()), splitLines(stderr.Bytes()), -1, ctx.Err()
	case err = <-done:
	}
	code := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return splitLines(stdout.Bytes()), splitLines(stderr.Bytes()), -1, err
		}
		code = exitErr.ExitStatus()
	}
	return splitLines(stdout.Bytes()), splitLines(stderr.Bytes()), code, nil
}

// RunCheck implements CommandProtocol.
func (d *SSHDriver) RunCheck(ctx context.Context, command string) ([]string, error) {
	stdout, stderr, code, err := d.Run(ctx, command)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, &ExecutionError{Command: command, Stdout: stdout, Stderr: stderr, ExitCode: code}
	}
	return stdout, nil
}

// Put implements FileTransferProtocol.
func (d *SSHDriver) Put(ctx context.Context, localPath, remotePath string) error {
	lf, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer lf.Close()
	rf, err := d.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	defer rf.Close()
	var dst io.Writer = rf
	if d.ShowProgress {
		stat, err := lf.Stat()
		if err != nil {
			return err
		}
		bar := progressbar.NewOptions(int(stat.Size()),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetDescription("put "+remotePath))
		dst = io.MultiWriter(rf, bar)
		defer fmt.Println()
	}
	_, err = io.Copy(dst, contextReader{ctx, lf})
	if err != nil {
		return err
	}
	if stat, err := lf.Stat(); err == nil {
		d.sftp.Chmod(remotePath, stat.Mode().Perm())
	}
	return nil
}

// Get implements FileTransferProtocol.
func (d *SSHDriver) Get(ctx context.Context, remotePath, localPath string) error {
	rf, err := d.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer rf.Close()
	lf, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer lf.Close()
	var src io.Reader = rf
	if d.ShowProgress {
		if stat, err := rf.Stat(); err == nil {
			bar := progressbar.NewOptions(int(stat.Size()),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetDescription("get "+remotePath))
			src = io.TeeReader(rf, bar)
			defer fmt.Println()
		}
	}
	_, err = io.Copy(lf, contextReader{ctx, src})
	return err
}

// contextReader cancels long copies when ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ShellSession is an interactive login shell on the target. It satisfies
// the console package's Shell interface.
type ShellSession struct {
	session *ssh.Session
}

// Shell prepares an interactive shell session with a pty. The returned
// session is started by attaching it to a terminal.
func (d *SSHDriver) Shell() (*ShellSession, error) {
	if !d.alive.Load() {
		return nil, errors.New("ssh connection is no longer alive")
	}
	session, err := d.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &ShellSession{session: session}, nil
}

func (s *ShellSession) Start(tty *os.File) error {
	s.session.Stdin = tty
	s.session.Stdout = tty
	s.session.Stderr = tty
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	if err := s.session.RequestPty("xterm", 40, 120, modes); err != nil {
		s.session.Close()
		return fmt.Errorf("request pty: %w", err)
	}
	if err := s.session.Shell(); err != nil {
		s.session.Close()
		return fmt.Errorf("start shell: %w", err)
	}
	return nil
}

func (s *ShellSession) Wait() error {
	return s.session.Wait()
}

func (s *ShellSession) Close() error {
	return s.session.Close()
}

// BackgroundProcess is a command running on the target in its own session.
type BackgroundProcess struct {
	Command string

	session *ssh.Session

	mu       sync.Mutex
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	done     chan struct{}
	exitCode int
	waitErr  error
}

// RunBackground implements BackgroundProcessProtocol. Only one background
// process per driver runs at a time.
func (d *SSHDriver) RunBackground(ctx context.Context, command string) (*BackgroundProcess, error) {
	if !d.alive.Load() {
		return nil, errors.New("ssh connection is no longer alive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.background != nil {
		select {
		case <-d.background.done:
			d.background = nil
		default:
			return nil, errors.New("a background process is already running")
		}
	}
	session, err := d.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	bp := &BackgroundProcess{
		Command: command,
		session: session,
		done:    make(chan struct{}),
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	var copiers sync.WaitGroup
	copiers.Add(2)
	go bp.copyOutput(&bp.stdout, stdout, &copiers)
	go bp.copyOutput(&bp.stderr, stderr, &copiers)
	go func() {
		err := session.Wait()
		copiers.Wait()
		bp.mu.Lock()
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			bp.exitCode = exitErr.ExitStatus()
		default:
			bp.exitCode = -1
			bp.waitErr = err
		}
		bp.mu.Unlock()
		close(bp.done)
		session.Close()
	}()
	d.background = bp
	d.logger.Debug("background process started", "command", command)
	return bp, nil
}

func (bp *BackgroundProcess) copyOutput(dst *bytes.Buffer, src io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			bp.mu.Lock()
			dst.Write(buf[:n])
			bp.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Read drains the output captured so far and returns it. It never blocks.
func (bp *BackgroundProcess) Read() (stdout, stderr string) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	stdout = bp.stdout.String()
	stderr = bp.stderr.String()
	bp.stdout.Reset()
	bp.stderr.Reset()
	return stdout, stderr
}

// Poll reports the exit code once the process has terminated.
func (bp *BackgroundProcess) Poll() (int, bool) {
	select {
	case <-bp.done:
		bp.mu.Lock()
		defer bp.mu.Unlock()
		return bp.exitCode, true
	default:
		return 0, false
	}
}

// Wait blocks until the process terminates or ctx is done.
func (bp *BackgroundProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-bp.done:
		bp.mu.Lock()
		defer bp.mu.Unlock()
		return bp.exitCode, bp.waitErr
	}
}

// Stop terminates the process and waits for it to exit.
func (bp *BackgroundProcess) Stop(ctx context.Context) (int, error) {
	select {
	case <-bp.done:
	default:
		bp.session.Signal(ssh.SIGTERM)
	}
	return bp.Wait(ctx)
}
