package transport

import (
	"fmt"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	iristeam "github.com/jenova-marie/iris-mcp-sub002/internal/team"
)

// remoteConfigWriter writes the per-session MCP config file onto a remote
// team's host over SFTP. Each call opens a short-lived SSH connection
// rather than reusing the agent's own session, since the config file must
// exist before the agent process starts reading it.
type remoteConfigWriter struct {
	desc *iristeam.Remote
}

func newRemoteConfigWriter(desc *iristeam.Remote) *remoteConfigWriter {
	return &remoteConfigWriter{desc: desc}
}

func (w *remoteConfigWriter) dial() (*ssh.Client, *sftp.Client, error) {
	conn, err := dialSSH(w.desc, nil)
	if err != nil {
		return nil, nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("sftp client: %w", err)
	}
	return conn, client, nil
}

func (w *remoteConfigWriter) WriteFile(filePath string, data []byte) error {
	conn, client, err := w.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	if err := client.MkdirAll(path.Dir(filePath)); err != nil {
		return fmt.Errorf("remote mkdir: %w", err)
	}
	f, err := client.Create(filePath)
	if err != nil {
		return fmt.Errorf("remote create: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("remote write: %w", err)
	}
	return nil
}

func (w *remoteConfigWriter) Remove(filePath string) error {
	conn, client, err := w.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	if err := client.Remove(filePath); err != nil {
		if sftpErr, ok := err.(*sftp.StatusError); ok && sftpErr.Code == 2 {
			return nil // already absent
		}
		return err
	}
	return nil
}
