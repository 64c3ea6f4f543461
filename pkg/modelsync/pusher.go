package modelsync

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	remoteManifestPath = "/tmp/rental/model_manifest.json"
	syncCommand        = "python3 /app/sync_models.py --manifest " + remoteManifestPath
)

// Logger is the logging surface the pusher needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pusher uploads a sync manifest to a rented instance over SFTP and invokes
// the image's sync agent, which downloads the listed models from the remote
// store before the workflow is submitted.
type Pusher struct {
	user    string
	keyPath string
	logger  Logger
}

// NewPusher creates a pusher connecting as user, authenticating with the
// private key at keyPath, or the default ~/.ssh keys when keyPath is empty.
func NewPusher(user, keyPath string, logger Logger) *Pusher {
	if user == "" {
		user = "root"
	}
	return &Pusher{user: user, keyPath: keyPath, logger: logger}
}

// Push uploads the manifest and runs the sync agent, blocking until the agent
// finishes or ctx is cancelled.
func (p *Pusher) Push(ctx context.Context, host string, port int, m Manifest) error {
	if m.Empty() {
		return nil
	}

	signer, err := p.signer()
	if err != nil {
		return fmt.Errorf("load ssh key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            p.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	defer client.Close()

	payload, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := pushFile(client, remoteManifestPath, payload, 0o644); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}
	p.logger.Info("model manifest uploaded", "host", host, "models", len(m.Entries))

	out, err := runCommand(ctx, client, syncCommand)
	if err != nil {
		return fmt.Errorf("model sync failed: %w", err)
	}
	p.logger.Info("model sync finished", "host", host, "output", lastLine(out))
	return nil
}

func (p *Pusher) signer() (ssh.Signer, error) {
	if p.keyPath != "" {
		data, err := os.ReadFile(expandHome(p.keyPath))
		if err != nil {
			return nil, err
		}
		return ssh.ParsePrivateKey(data)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no usable private key found")
}

func pushFile(client *ssh.Client, remotePath string, data []byte, perm os.FileMode) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(dirName(remotePath)); err != nil {
		return err
	}

	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(perm)
}

func runCommand(ctx context.Context, client *ssh.Client, command string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func dirName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return lines[len(lines)-1]
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
