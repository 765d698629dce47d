package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/cfengined/cfengined/pkg/engine"
	"github.com/cfengined/cfengined/pkg/transport/ssh"
)

// RemoteDispatcher resolves a host reference to a registered Host
// and a short-lived Transport, for the commands/files actuators'
// remote_exec/remote_copy attributes. Grounded on the teacher's
// OnboardingService, which populates the same HostRegistry this reads
// from with the key path and user an onboarded host expects.
type RemoteDispatcher struct {
	hosts *engine.HostRegistry
	dial  func(*engine.Host) (*ssh.SSHClient, error)
}

// NewRemoteDispatcher builds a RemoteDispatcher backed by hosts, dialing
// each target with pkg/transport/ssh using the key path recorded at
// onboarding time.
func NewRemoteDispatcher(hosts *engine.HostRegistry) *RemoteDispatcher {
	return &RemoteDispatcher{hosts: hosts, dial: dialHost}
}

func dialHost(h *engine.Host) (*ssh.SSHClient, error) {
	cfg := &ssh.Config{
		Host:                  h.Address,
		Port:                  h.Port,
		User:                  h.User,
		AuthMethod:            ssh.AuthMethodKey,
		PrivateKeyPath:        h.KeyPath,
		StrictHostKeyChecking: false,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
	}
	return ssh.NewSSHClient(cfg)
}

// resolve looks ref up by host id first, falling back to address, the
// same precedence the legacy runner's host selector used.
func (d *RemoteDispatcher) resolve(ctx context.Context, ref string) (*engine.Host, error) {
	if d == nil || d.hosts == nil {
		return nil, fmt.Errorf("remote dispatch not configured: no host registry")
	}
	if h, err := d.hosts.GetHost(ctx, ref); err == nil {
		return h, nil
	}
	return d.hosts.GetHostByAddress(ctx, ref)
}

// Exec runs command on the host named by ref and returns its stdout,
// stderr, and a POSIX-style exit code: 0 on success, 1 when the command
// itself fails (the underlying SSH session does not surface exit codes
// independently of the wrapping TransportError), and -1 when the host
// cannot be resolved, dialed, or connected to.
func (d *RemoteDispatcher) Exec(ctx context.Context, ref, command string) (stdout, stderr string, exitCode int, err error) {
	h, err := d.resolve(ctx, ref)
	if err != nil {
		return "", "", -1, err
	}
	client, err := d.dial(h)
	if err != nil {
		return "", "", -1, fmt.Errorf("dialing host %s: %w", ref, err)
	}
	if err := client.Connect(ctx); err != nil {
		return "", "", -1, fmt.Errorf("connecting to host %s: %w", ref, err)
	}
	defer client.Disconnect()

	stdout, stderr, err = client.ExecuteCommand(ctx, command)
	if err != nil {
		return stdout, stderr, 1, err
	}
	return stdout, stderr, 0, nil
}

// Upload pushes localPath to remotePath on the host named by ref.
func (d *RemoteDispatcher) Upload(ctx context.Context, ref, localPath, remotePath string, mode uint32) error {
	h, err := d.resolve(ctx, ref)
	if err != nil {
		return err
	}
	client, err := d.dial(h)
	if err != nil {
		return fmt.Errorf("dialing host %s: %w", ref, err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to host %s: %w", ref, err)
	}
	defer client.Disconnect()

	return client.UploadFile(ctx, localPath, remotePath, mode)
}
