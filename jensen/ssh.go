package jensen

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// SSHTransport drives a recorder attached to a remote host. It runs a
// bridge helper (cmd/voxbridge) over an SSH session and speaks the
// Jensen byte stream through the helper's stdin/stdout.
type SSHTransport struct {
	*PipeTransport
	sess    *ssh.Session
	command string
	stdin   io.WriteCloser
	started bool
}

// DefaultBridgeCommand is the helper invoked on the remote host when no
// command is given.
const DefaultBridgeCommand = "voxbridge"

// NewSSHTransport wraps an SSH session. command is the remote bridge
// invocation; pass "" for the default. The session is started in Open
// and closed with the transport.
func NewSSHTransport(sess *ssh.Session, command string) (*SSHTransport, error) {
	if command == "" {
		command = DefaultBridgeCommand
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ssh stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("ssh stdout pipe: %w", err)
	}
	t := &SSHTransport{
		sess:    sess,
		command: command,
		stdin:   stdin,
	}
	t.PipeTransport = NewPipeTransport(stdout, stdin, nil)
	return t, nil
}

// Open starts the remote bridge helper and the stream pump.
func (t *SSHTransport) Open(ctx context.Context) error {
	if !t.started {
		if err := t.sess.Start(t.command); err != nil {
			return fmt.Errorf("start remote bridge %q: %w", t.command, err)
		}
		t.started = true
	}
	return t.PipeTransport.Open(ctx)
}

// Close shuts down the helper's stdin and the SSH session.
func (t *SSHTransport) Close() error {
	t.stdin.Close()
	err := t.sess.Close()
	if cerr := t.PipeTransport.Close(); err == nil {
		err = cerr
	}
	return err
}
