package transport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHTransport is the one concrete non-mock Transport. It exists so the
// Transport contract has a real far end; SSH/rsync mechanics themselves
// are an external collaborator and this adapter is not exercised by the
// core's own tests.
type SSHTransport struct {
	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHTransport creates an unconnected SSHTransport.
func NewSSHTransport() *SSHTransport {
	return &SSHTransport{}
}

// Connect dials target over SSH using its identity file for
// public-key auth. Host keys are not verified: the client config always
// uses ssh.InsecureIgnoreHostKey, and no known_hosts file is consulted.
func (t *SSHTransport) Connect(ctx context.Context, target Target) error {
	key, err := os.ReadFile(target.IdentityFile)
	if err != nil {
		return fmt.Errorf("transport: read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("transport: parse identity file: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	deadline, ok := ctx.Deadline()
	if ok {
		cfg.Timeout = time.Until(deadline)
	}

	client, err := ssh.Dial("tcp", target.Host+":22", cfg)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", target.Host, err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return nil
}

// Execute runs command in a fresh session and collects stdout/stderr.
// A non-zero exit is reported through Result.ExitCode, not as an error;
// err is reserved for transport-level failures (no session, dropped
// connection).
func (t *SSHTransport) Execute(ctx context.Context, command string) (Result, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return Result{}, ErrNotConnected
	}

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("transport: new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Close()
		return Result{}, fmt.Errorf("transport: run: %w", ctx.Err())
	}

	exitCode := 0
	if err := runErr; err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			return Result{}, fmt.Errorf("transport: run: %w", err)
		}
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// Disconnect closes the underlying SSH client, if any.
func (t *SSHTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}
