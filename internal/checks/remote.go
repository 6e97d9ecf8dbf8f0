package checks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/dandantas/lookout/internal/model"
)

const defaultSSHPort = 22

// RemoteCommand runs a command on a remote host over SSH
type RemoteCommand struct {
	base
	expect      *regexp.Regexp
	dialTimeout time.Duration
}

// NewRemoteCommand creates a remote_shell check
func NewRemoteCommand(def model.CheckDefinition, dialTimeout time.Duration) (*RemoteCommand, error) {
	expect, err := compileExpect(def.Command)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", def.ID, err)
	}
	if !def.Command.InsecureSkipHostKey && def.Command.KnownHostsFile == "" {
		return nil, fmt.Errorf("check %s: set known_hosts_file or insecure_skip_host_key", def.ID)
	}
	return &RemoteCommand{base: base{def: def}, expect: expect, dialTimeout: dialTimeout}, nil
}

// NeedsCredential is true when no key file is configured; the credential's
// password is used instead
func (r *RemoteCommand) NeedsCredential() bool {
	return r.def.Command.KeyFile == ""
}

// Execute connects, runs the command and judges its exit status and output
func (r *RemoteCommand) Execute(ctx context.Context, env Env) (*model.Result, error) {
	config, err := r.clientConfig(env.Credential)
	if err != nil {
		return nil, err
	}

	runCtx, cancel, result := r.begin(ctx, env)
	defer cancel()

	cmd := r.def.Command
	started := time.Now().UTC()

	output, exitCode, err := r.run(runCtx, config)
	if err != nil {
		result.AddStep(model.StepResult{
			Name:       "ssh " + cmd.Host,
			Status:     stepStatus(runCtx),
			StartedAt:  started,
			DurationMs: time.Since(started).Milliseconds(),
			Error:      err.Error(),
		})
		return finish(runCtx, result), nil
	}

	result.AddStep(judgeCommand(runCtx, cmd, r.expect, started, exitCode, output))
	return finish(runCtx, result), nil
}

// run dials and executes; the connection is closed when ctx ends so a hung
// remote command cannot outlive the check timeout
func (r *RemoteCommand) run(ctx context.Context, config *ssh.ClientConfig) ([]byte, int, error) {
	cmd := r.def.Command
	port := cmd.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(cmd.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: r.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("failed to establish SSH connection to %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(shellLine(cmd))
	var exitErr *ssh.ExitError
	switch {
	case errors.As(err, &exitErr):
		return output, exitErr.ExitStatus(), nil
	case err != nil:
		return output, 0, fmt.Errorf("remote command failed: %w", err)
	}
	return output, 0, nil
}

func (r *RemoteCommand) clientConfig(cred *model.Credential) (*ssh.ClientConfig, error) {
	cmd := r.def.Command

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cmd.KnownHostsFile != "" {
		callback, err := knownhosts.New(cmd.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("error parsing known_hosts file from path: %w", err)
		}
		hostKeyCallback = callback
	}

	var methods []ssh.AuthMethod
	if cmd.KeyFile != "" {
		key, err := os.ReadFile(cmd.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("error reading private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("error parsing private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	user := cmd.User
	if cred != nil && !cred.Empty() {
		methods = append(methods, ssh.Password(cred.Password))
		if user == "" {
			user = cred.Username
		}
	}

	if len(methods) == 0 {
		return nil, errors.New("no SSH authentication methods configured")
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.dialTimeout,
	}, nil
}

// shellLine quotes the program and arguments for the remote shell
func shellLine(cmd *model.Command) string {
	parts := make([]string, 0, len(cmd.Args)+1)
	for _, p := range append([]string{cmd.Program}, cmd.Args...) {
		parts = append(parts, "'"+strings.ReplaceAll(p, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}
