package auth

import (
	"os"
	"time"
)

// Environment variables read by EnvironmentStore
const (
	EnvAccessKeyID     = "AUTOSAVE_MIRROR_ACCESS_KEY_ID"
	EnvSecretAccessKey = "AUTOSAVE_MIRROR_SECRET_ACCESS_KEY"
	EnvSessionToken    = "AUTOSAVE_MIRROR_SESSION_TOKEN"
)

// EnvironmentStore implements CredentialStore using environment variables.
// It is read-only and answers for every profile.
type EnvironmentStore struct{}

// NewEnvironmentStore creates a new environment-based credential store
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(creds *MirrorCredentials) error {
	return ErrStoreUnavailable
}

// Retrieve gets credentials from environment variables
func (e *EnvironmentStore) Retrieve(profile string) (*MirrorCredentials, error) {
	keyID := os.Getenv(EnvAccessKeyID)
	secret := os.Getenv(EnvSecretAccessKey)
	if keyID == "" || secret == "" {
		return nil, ErrCredentialsNotFound
	}

	if profile == "" {
		profile = DefaultProfile
	}

	return &MirrorCredentials{
		Profile:         profile,
		AccessKeyID:     keyID,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv(EnvSessionToken),
		LastModified:    time.Now(),
	}, nil
}

// List returns a single entry if environment variables are set
func (e *EnvironmentStore) List() ([]*MirrorCredentials, error) {
	creds, err := e.Retrieve("")
	if err != nil {
		return []*MirrorCredentials{}, nil
	}
	return []*MirrorCredentials{creds}, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(profile string) error {
	return ErrStoreUnavailable
}

// Exists checks if environment credentials exist
func (e *EnvironmentStore) Exists(profile string) bool {
	return os.Getenv(EnvAccessKeyID) != "" && os.Getenv(EnvSecretAccessKey) != ""
}
