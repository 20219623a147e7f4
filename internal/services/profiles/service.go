// Package profiles manages saved backend connections.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/gorm"

	"geoimport-desktop/internal/api"
	"geoimport-desktop/internal/credentials"
	"geoimport-desktop/internal/logger"
	"geoimport-desktop/internal/models"
)

// ErrNotFound is returned for unknown profile ids
var ErrNotFound = errors.New("profile not found")

// SaveRequest creates or updates a profile. Token is required on create and
// optional on update, where an empty token keeps the stored one.
type SaveRequest struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// ClientOptions tune the API clients built from profiles
type ClientOptions struct {
	Timeout   time.Duration
	CacheSize int
}

// Service handles connection profile storage
type Service struct {
	db   *gorm.DB
	opts ClientOptions
}

// NewService creates a new profile service
func NewService(db *gorm.DB, opts ClientOptions) *Service {
	return &Service{db: db, opts: opts}
}

// List returns all profiles ordered by name
func (s *Service) List() ([]models.ConnectionProfile, error) {
	var profiles []models.ConnectionProfile
	if err := s.db.Order("name").Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	return profiles, nil
}

// Get retrieves one profile
func (s *Service) Get(profileID string) (*models.ConnectionProfile, error) {
	var profile models.ConnectionProfile
	if err := s.db.Where("id = ?", profileID).First(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, profileID)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &profile, nil
}

// Create stores a new profile and its token
func (s *Service) Create(req SaveRequest) (*models.ConnectionProfile, error) {
	baseURL, err := validate(req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Token) == "" {
		return nil, errors.New("API token is required")
	}

	profile := &models.ConnectionProfile{
		Name:     strings.TrimSpace(req.Name),
		BaseURL:  baseURL,
		Username: strings.TrimSpace(req.Username),
	}
	if err := s.db.Create(profile).Error; err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	if err := credentials.SaveToken(profile.ID, req.Token); err != nil {
		// a profile without a token is unusable
		if delErr := s.db.Delete(profile).Error; delErr != nil {
			logger.Error("Failed to remove profile %s after keychain error: %v", profile.ID, delErr)
		}
		return nil, err
	}

	logger.Info("Created profile %s (%s)", profile.Name, profile.BaseURL)
	return profile, nil
}

// Update changes a profile; an empty token keeps the stored one
func (s *Service) Update(profileID string, req SaveRequest) (*models.ConnectionProfile, error) {
	baseURL, err := validate(req)
	if err != nil {
		return nil, err
	}

	profile, err := s.Get(profileID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Token) == "" && !credentials.HasToken(profile.ID) {
		return nil, errors.New("API token is required")
	}

	profile.Name = strings.TrimSpace(req.Name)
	profile.BaseURL = baseURL
	profile.Username = strings.TrimSpace(req.Username)
	if err := s.db.Save(profile).Error; err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	if strings.TrimSpace(req.Token) != "" {
		if err := credentials.SaveToken(profile.ID, req.Token); err != nil {
			return nil, err
		}
	}
	return profile, nil
}

// Delete removes a profile and its stored token
func (s *Service) Delete(profileID string) error {
	result := s.db.Where("id = ?", profileID).Delete(&models.ConnectionProfile{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete profile: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, profileID)
	}
	return credentials.DeleteToken(profileID)
}

// Client builds an API client for a profile using its stored token
func (s *Service) Client(profileID string) (*api.Client, *models.ConnectionProfile, error) {
	profile, err := s.Get(profileID)
	if err != nil {
		return nil, nil, err
	}

	token, err := credentials.LoadToken(profile.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load token for profile %s: %w", profile.Name, err)
	}

	return s.newClient(profile.BaseURL, token), profile, nil
}

// TestConnection pings a backend without saving anything and returns the user it authenticates as
func (s *Service) TestConnection(ctx context.Context, baseURL, token string) (string, error) {
	normalized, err := normalizeURL(baseURL)
	if err != nil {
		return "", err
	}
	return s.newClient(normalized, token).Ping(ctx)
}

func (s *Service) newClient(baseURL, token string) *api.Client {
	client := api.NewClient(baseURL, token, s.opts.CacheSize)
	if s.opts.Timeout > 0 {
		client.SetTimeout(s.opts.Timeout)
	}
	return client
}

func validate(req SaveRequest) (string, error) {
	if strings.TrimSpace(req.Name) == "" {
		return "", errors.New("profile name is required")
	}
	return normalizeURL(req.BaseURL)
}

// normalizeURL checks for an absolute http(s) URL and strips trailing slashes
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid server URL %q", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}
