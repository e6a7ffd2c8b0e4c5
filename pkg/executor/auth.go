package executor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/andrej220/fleetmigrate/pkg/config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// authMethods collects key file signers and, when enabled, the ssh-agent.
// The returned closer releases the agent connection.
func authMethods(cfg config.SSHConfig) ([]ssh.AuthMethod, func() error, error) {
	var signers []ssh.Signer
	keyFiles := cfg.KeyFiles
	explicit := len(keyFiles) > 0
	if !explicit {
		keyFiles = defaultKeyFiles()
	}
	for _, path := range keyFiles {
		signer, err := publicKeyFile(path)
		if err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, err
		}
		signers = append(signers, signer)
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	closer := func() error { return nil }
	if cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, nil, fmt.Errorf("unable to reach ssh-agent: %w", err)
			}
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closer = conn.Close
		}
	}

	if len(methods) == 0 {
		return nil, nil, errors.New("no ssh credentials: configure ssh.keyFiles or ssh.useAgent")
	}
	return methods, closer, nil
}

func defaultKeyFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	files := make([]string, 0, len(defaultKeyNames))
	for _, name := range defaultKeyNames {
		files = append(files, filepath.Join(home, ".ssh", name))
	}
	return files
}

func publicKeyFile(privateKeyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is encrypted, load it into ssh-agent instead", privateKeyPath)
		}
		return nil, fmt.Errorf("unable to parse private key %s: %w", privateKeyPath, err)
	}
	return signer, nil
}

func hostKeyCallback(cfg config.SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsFile == "" {
		// host keys are not verified without a known_hosts file
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to load known hosts %s: %w", cfg.KnownHostsFile, err)
	}
	return cb, nil
}

// ClientConfig builds the ssh client configuration. Call the returned
// closer once the config is no longer used.
func ClientConfig(cfg config.SSHConfig) (*ssh.ClientConfig, func() error, error) {
	auth, closer, err := authMethods(cfg)
	if err != nil {
		return nil, nil, err
	}
	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.Timeout,
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}, closer, nil
}
