// Package assets persists template images and generated certificates on
// local disk and maps them to URLs served by the static file route.
package assets

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LocalStore writes assets under a single directory, served at baseURL.
type LocalStore struct {
	dir     string
	baseURL string
}

// NewLocalStore creates the storage directory if needed.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create assets dir: %w", err)
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the storage directory, for mounting the static file server.
func (s *LocalStore) Dir() string {
	return s.dir
}

// SaveTemplateBytes stores an uploaded certificate template for an event and
// returns the storage path used later by the compositor. The name carries a
// random suffix so concurrent or rejected uploads can never overwrite a
// template already referenced by an ended event.
func (s *LocalStore) SaveTemplateBytes(eventID, originalName string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" {
		ext = ".png"
	}
	name := fmt.Sprintf("template-%s-%s%s", eventID, uuid.New().String(), ext)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write template file: %w", err)
	}
	return path, nil
}

// Remove deletes a stored asset, for cleaning up uploads whose request was
// rejected. Missing files are not an error.
func (s *LocalStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove asset: %w", err)
	}
	return nil
}

// ReadTemplate loads a stored template's bytes.
func (s *LocalStore) ReadTemplate(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// SaveCertificate stores a composed certificate PNG and returns its URL.
func (s *LocalStore) SaveCertificate(eventID, studentID string, png []byte) (string, error) {
	name := fmt.Sprintf("cert-%s-%s.png", eventID, studentID)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write certificate file: %w", err)
	}
	return s.baseURL + "/" + name, nil
}

// TemplateURL maps a stored template path to its public URL.
func (s *LocalStore) TemplateURL(path string) string {
	return s.baseURL + "/" + filepath.Base(path)
}
