package capability

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHDialer connects to a target host over SSH using a private key,
// grounded on the teacher's use of golang.org/x/crypto/ssh in
// secondstar/secondstar.go (there for the server side; here for the
// client side the Step Library's discovery and vendor-tool steps need).
type SSHDialer struct {
	DialTimeout time.Duration
}

func (d SSHDialer) Connect(ctx context.Context, host, user string, key []byte) (SSHSession, error) {
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, &Error{Kind: KindAuth, Detail: fmt.Sprintf("parse private key: %v", err)}
	}

	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // bare-metal targets rarely carry a known_hosts entry before first commission
		Timeout:         timeout,
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialContext(ctx, dialer, "tcp", host)
	if err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Detail: fmt.Sprintf("dial %s: %v", host, err)}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, host, cfg)
	if err != nil {
		conn.Close()
		return nil, &Error{Kind: KindAuth, Detail: fmt.Sprintf("ssh handshake with %s: %v", host, err)}
	}

	return &sshSession{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func dialContext(ctx context.Context, d *net.Dialer, network, addr string) (net.Conn, error) {
	return d.DialContext(ctx, network, addr)
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Exec(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, &Error{Kind: KindTransientNetwork, Detail: err.Error()}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ExecResult{}, &Error{Kind: KindTransientNetwork, Detail: "command timed out: " + cmd}
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return ExecResult{}, &Error{Kind: KindTransientNetwork, Detail: err.Error()}
			}
		}
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
