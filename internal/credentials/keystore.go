// Package credentials keeps per-profile API tokens in the system keychain.
package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const keystoreService = "geoimport-desktop"

// ErrNoToken is returned when no token is stored for a profile
var ErrNoToken = errors.New("no API token stored for profile")

// SaveToken stores the API token of a connection profile
func SaveToken(profileID, token string) error {
	if profileID == "" {
		return errors.New("profile id is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is required")
	}
	if err := keyring.Set(keystoreService, profileID, token); err != nil {
		return fmt.Errorf("failed to store token in keychain: %w", err)
	}
	return nil
}

// LoadToken retrieves the API token of a connection profile
func LoadToken(profileID string) (string, error) {
	token, err := keyring.Get(keystoreService, profileID)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("failed to read token from keychain: %w", err)
	}
	return token, nil
}

// DeleteToken removes the stored token; a missing token is not an error
func DeleteToken(profileID string) error {
	if err := keyring.Delete(keystoreService, profileID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete token from keychain: %w", err)
	}
	return nil
}

// HasToken reports whether a token is stored for the profile
func HasToken(profileID string) bool {
	_, err := keyring.Get(keystoreService, profileID)
	return err == nil
}
