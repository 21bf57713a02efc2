package transport

import (
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// knownHostsCallback builds a host key callback from a known_hosts file,
// used when a team's remote descriptor supplies one instead of opting into
// InsecureIgnoreHostKey.
func knownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	return knownhosts.New(path)
}
