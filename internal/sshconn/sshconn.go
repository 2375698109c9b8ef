// Package sshconn dials the SSH/SFTP connections used by the transfer
// package. It is grounded on the teacher's own pkg/blobserver/sftp.go:
// key-based ssh.ClientConfig construction, a singleflight-coalesced
// dialer for concurrent callers wanting the same endpoint, and a
// process-wide syncutil.Gate bounding how many connections can be
// in-flight at once.
package sshconn

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"go4.org/syncutil"
	"go4.org/syncutil/singleflight"
	"golang.org/x/crypto/ssh"
)

// Endpoint identifies a remote SFTP server and the key-based credentials
// used to reach it, mirroring a target descriptor's host/port/user/
// private_key_file fields.
type Endpoint struct {
	User           string
	Host           string
	Port           string
	PrivateKeyFile string

	// Timeout bounds the initial TCP+handshake dial. Zero means 10s.
	Timeout time.Duration
}

func (e Endpoint) addr() string { return net.JoinHostPort(e.Host, e.Port) }
func (e Endpoint) key() string  { return e.User + "@" + e.addr() }

// Gate bounds the number of SSH connections any Dial/DialShared call in
// this process will have in flight at once, the same role
// syncutil.NewGate plays bounding open file descriptors in the teacher's
// SFTP storage backend.
var Gate = syncutil.NewGate(64)

// Client pairs a live SFTP client with the SSH client underneath it, so
// both can be torn down together.
type Client struct {
	SFTP *sftp.Client
	ssh  *ssh.Client
}

// Close closes the SFTP session and the underlying SSH connection.
func (c *Client) Close() error {
	c.SFTP.Close()
	return c.ssh.Close()
}

// Dial opens a fresh SSH connection to ep and requests an SFTP subsystem
// session over it. Every call dials independently; for a pool of workers
// that each want their own persistent connection (the parallel transfer
// engine's per-worker clients), call Dial once per worker rather than
// sharing a Dialer, since coalescing would defeat the point of
// independent streams.
func Dial(ep Endpoint) (*Client, error) {
	cc, err := clientConfig(ep)
	if err != nil {
		return nil, err
	}

	Gate.Start()
	defer Gate.Done()

	sshc, err := ssh.Dial("tcp", ep.addr(), cc)
	if err != nil {
		return nil, fmt.Errorf("sshconn: dial %s: %w", ep.addr(), err)
	}
	sc, err := sftp.NewClient(sshc)
	if err != nil {
		sshc.Close()
		return nil, fmt.Errorf("sshconn: open sftp subsystem on %s: %w", ep.addr(), err)
	}
	return &Client{SFTP: sc, ssh: sshc}, nil
}

// Dialer coalesces concurrent DialShared calls for the same endpoint into
// a single dial, the role getClientGroup plays in the teacher's SFTP
// storage backend. Useful for the single-stream transfer path and for
// probing whether a remote file is already up to date, where many
// logically-independent callers within one process may race to connect
// to the same target.
type Dialer struct {
	group singleflight.Group
}

// DialShared returns a shared *Client for ep, dialing at most once per
// distinct user@host:port among concurrent callers.
func (d *Dialer) DialShared(ep Endpoint) (*Client, error) {
	v, err := d.group.Do(ep.key(), func() (any, error) {
		return Dial(ep)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

func clientConfig(ep Endpoint) (*ssh.ClientConfig, error) {
	keyData, err := os.ReadFile(ep.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("sshconn: reading private key %q: %w", ep.PrivateKeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("sshconn: parsing private key %q: %w", ep.PrivateKeyFile, err)
	}

	timeout := ep.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &ssh.ClientConfig{
		User: ep.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// The original source's fabric/paramiko transport never
		// validated host keys either; InsecureIgnoreHostKey keeps
		// that same trust model explicit rather than silent.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}
