package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultAPIBaseURL is used when neither the flag, the environment nor the
// saved session name an API.
const DefaultAPIBaseURL = "http://localhost:8080"

// Session is what `eggsync login` leaves behind in ~/.eggsync/session.json.
type Session struct {
	AccessToken string `json:"access_token"`
	APIBaseURL  string `json:"api_base_url,omitempty"`
}

// ResolveAPIBaseURL prefers an explicit URL (flag or environment), then the URL
// the session was created against.
func ResolveAPIBaseURL(explicit string, s Session) string {
	for _, candidate := range []string{explicit, s.APIBaseURL} {
		if c := strings.TrimRight(strings.TrimSpace(candidate), "/"); c != "" {
			return c
		}
	}
	return DefaultAPIBaseURL
}

func sessionPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".eggsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

// SaveSession replaces the session file through a rename so a crash never
// leaves half a token on disk.
func SaveSession(s Session) error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	s.AccessToken = strings.TrimSpace(s.AccessToken)
	s.APIBaseURL = strings.TrimRight(strings.TrimSpace(s.APIBaseURL), "/")
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadSession() (Session, error) {
	path, err := sessionPath()
	if err != nil {
		return Session{}, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(body, &s); err != nil {
		return Session{}, fmt.Errorf("read %s: %w", path, err)
	}
	if strings.TrimSpace(s.AccessToken) == "" {
		return Session{}, errors.New("no access token found in session")
	}
	return s, nil
}

// ClearSession removes the session file. A missing file is not an error.
func ClearSession() error {
	path, err := sessionPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
