package paths

import (
	"os"
	"path/filepath"
)

// Layout resolves filesystem locations under the daemon data directory.
// Credential material is kept per session; everything else is shared.
type Layout struct {
	dataDir  string
	mediaDir string
}

// New creates a layout rooted at dataDir. mediaDir may be empty, in which
// case media lives under dataDir/media.
func New(dataDir, mediaDir string) Layout {
	if mediaDir == "" {
		mediaDir = filepath.Join(dataDir, "media")
	}
	return Layout{dataDir: dataDir, mediaDir: mediaDir}
}

// DataDir returns the root data directory.
func (l Layout) DataDir() string { return l.dataDir }

// StoreDBPath returns the app-owned sqlite database path.
func (l Layout) StoreDBPath() string {
	return filepath.Join(l.dataDir, "wagate.db")
}

// SessionDir returns the per-session credential directory.
func (l Layout) SessionDir(sessionID string) string {
	return filepath.Join(l.dataDir, "sessions", sessionID)
}

// CredentialDBPath returns the protocol client's own sqlite database path
// for a session (pairing keys and device state).
func (l Layout) CredentialDBPath(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "session.db")
}

// MediaDir returns the shared media directory.
func (l Layout) MediaDir() string { return l.mediaDir }

// SessionMediaDir returns the media directory for one session.
func (l Layout) SessionMediaDir(sessionID string) string {
	return filepath.Join(l.mediaDir, sessionID)
}

// LogPath returns the daemon log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.dataDir, "logs", "wagated.log")
}

// LockPath returns the daemon lock file path.
func (l Layout) LockPath() string {
	return filepath.Join(l.dataDir, "LOCK")
}

// ConfigPath returns the default config file path.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.dataDir, "config.toml")
}

// EnsureDirs creates the shared directory tree with proper permissions.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.dataDir,
		filepath.Join(l.dataDir, "sessions"),
		filepath.Join(l.dataDir, "logs"),
		l.mediaDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// EnsureSessionDir creates the credential directory for one session.
func (l Layout) EnsureSessionDir(sessionID string) error {
	return os.MkdirAll(l.SessionDir(sessionID), 0700)
}
