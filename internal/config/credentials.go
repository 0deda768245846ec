package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/objectfs/s3fs/pkg/errors"
)

// SecretFile is the credential file location relative to the home directory:
// exactly two newline-terminated lines, access key id then secret access key.
const SecretFile = ".s3fs/.secret"

// Credentials holds the static key pair loaded at startup.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// LoadCredentials reads the credential file under home. A missing or
// malformed file is fatal at startup by policy.
func LoadCredentials(home string) (*Credentials, error) {
	path := filepath.Join(home, SecretFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeCredentialsMissing, "cannot read credential file: %s", path).WithCause(err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) == "" || strings.TrimSpace(lines[1]) == "" {
		return nil, errors.Newf(errors.ErrCodeCredentialsMissing,
			"credential file must hold two lines (access key id, secret access key): %s", path)
	}

	return &Credentials{
		AccessKeyID:     strings.TrimSpace(lines[0]),
		SecretAccessKey: strings.TrimSpace(lines[1]),
	}, nil
}
