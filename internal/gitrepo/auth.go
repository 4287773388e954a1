package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/schaermu/reposyncd/internal/config"
)

// AuthProvider builds credentials for a remote. usernameHint is the user
// embedded in the remote URL, if any. A nil method with a nil error means the
// remote is accessed anonymously.
type AuthProvider interface {
	Method(remoteURL, usernameHint string) (transport.AuthMethod, error)
}

// NewAuthProvider returns the provider matching the configured auth method.
func NewAuthProvider(cfg config.AuthConfig) AuthProvider {
	if cfg.HTTPSTokenFile != "" {
		return &TokenFileProvider{TokenFile: cfg.HTTPSTokenFile}
	}
	return &KeyFileProvider{
		KeyFile:               cfg.SSHKeyFile,
		PassphraseFile:        cfg.SSHKeyPassphraseFile,
		User:                  cfg.SSHUser,
		KnownHostsFile:        cfg.KnownHostsFile,
		InsecureIgnoreHostKey: cfg.InsecureIgnoreHostKey,
	}
}

// KeyFileProvider authenticates SSH remotes with a private key file,
// ~/.ssh/id_ed25519 unless KeyFile says otherwise.
type KeyFileProvider struct {
	KeyFile        string
	PassphraseFile string
	// User is used when the remote URL carries no user.
	User string
	// KnownHostsFile replaces the default known_hosts lookup when set.
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
}

// Method implements AuthProvider. Non-SSH remotes get no credential.
func (p *KeyFileProvider) Method(remoteURL, usernameHint string) (transport.AuthMethod, error) {
	ep, err := transport.NewEndpoint(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL: %w", err)
	}
	if ep.Protocol != "ssh" {
		return nil, nil
	}

	user := usernameHint
	if user == "" {
		user = p.User
	}
	if user == "" {
		return nil, fmt.Errorf("no SSH user in %s and none configured", remoteURL)
	}

	keyFile, err := p.keyFile()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(keyFile); err != nil {
		return nil, fmt.Errorf("SSH private key not readable: %w", err)
	}

	passphrase, err := readSecret(p.PassphraseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key passphrase: %w", err)
	}

	auth, err := gitssh.NewPublicKeysFromFile(user, keyFile, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load SSH key %s: %w", keyFile, err)
	}

	switch {
	case p.InsecureIgnoreHostKey:
		auth.HostKeyCallback = gossh.InsecureIgnoreHostKey()
	case p.KnownHostsFile != "":
		cb, err := knownhosts.New(p.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", p.KnownHostsFile, err)
		}
		auth.HostKeyCallback = cb
	}

	return auth, nil
}

func (p *KeyFileProvider) keyFile() (string, error) {
	if p.KeyFile != "" {
		return p.KeyFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".ssh", config.DefaultSSHKeyName), nil
}

// TokenFileProvider authenticates HTTPS remotes with a token read from a file
type TokenFileProvider struct {
	TokenFile string
}

// Method implements AuthProvider. Non-HTTP remotes get no credential.
func (p *TokenFileProvider) Method(remoteURL, usernameHint string) (transport.AuthMethod, error) {
	ep, err := transport.NewEndpoint(remoteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL: %w", err)
	}
	if ep.Protocol != "https" && ep.Protocol != "http" {
		return nil, nil
	}

	token, err := readSecret(p.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	if token == "" {
		return nil, fmt.Errorf("token file %s is empty", p.TokenFile)
	}

	user := usernameHint
	if user == "" {
		user = "x-access-token"
	}
	return &http.BasicAuth{Username: user, Password: token}, nil
}

func readSecret(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
