// Package session persists cookie jars between crawl runs so a platform's
// logged-in or challenge-cleared state survives restarts.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobcrawl/internal/stealth"
	"github.com/JakeFAU/jobcrawl/internal/store"
)

const (
	snapshotVersion = 1
	contentType     = "application/json"
	defaultPrefix   = "sessions"
)

// Snapshot is the persisted form of one jar.
type Snapshot struct {
	Version int              `json:"version"`
	Name    string           `json:"name"`
	SavedAt time.Time        `json:"saved_at"`
	Cookies []stealth.Cookie `json:"cookies"`
}

// Config configures a Store.
type Config struct {
	// Prefix is prepended to every object path. Defaults to "sessions".
	Prefix string `mapstructure:"prefix"`
	Now    func() time.Time
	Logger *zap.Logger
}

// Store saves and restores cookie jars as JSON objects on a BlobStore.
type Store struct {
	blobs  store.BlobStore
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// New builds a Store over blobs.
func New(blobs store.BlobStore, cfg Config) *Store {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, prefix: prefix, now: now, logger: logger}
}

// Save writes jar's unexpired cookies under name and returns the object URI.
func (s *Store) Save(ctx context.Context, name string, jar *stealth.CookieJar) (string, error) {
	key, err := s.objectPath(name)
	if err != nil {
		return "", err
	}
	snap := Snapshot{
		Version: snapshotVersion,
		Name:    name,
		SavedAt: s.now().UTC(),
		Cookies: jar.Export(),
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode session %q: %w", name, err)
	}
	uri, err := s.blobs.PutObject(ctx, key, contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("save session %q: %w", name, err)
	}
	s.logger.Debug("session saved", zap.String("name", name), zap.Int("cookies", len(snap.Cookies)))
	return uri, nil
}

// Load imports the snapshot stored under name into jar and returns how many
// cookies were accepted. A missing snapshot is not an error.
func (s *Store) Load(ctx context.Context, name string, jar *stealth.CookieJar) (int, error) {
	snap, err := s.Snapshot(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("no saved session", zap.String("name", name))
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := jar.Import(snap.Cookies)
	s.logger.Debug("session loaded",
		zap.String("name", name),
		zap.Int("cookies", n),
		zap.Int("skipped", len(snap.Cookies)-n),
	)
	return n, nil
}

// Snapshot reads the raw snapshot for name.
func (s *Store) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	key, err := s.objectPath(name)
	if err != nil {
		return Snapshot{}, err
	}
	rc, err := s.blobs.GetObject(ctx, key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load session %q: %w", name, err)
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil {
			s.logger.Warn("close session object", zap.String("name", name), zap.Error(cerr))
		}
	}()
	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode session %q: %w", name, err)
	}
	if snap.Version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("session %q: unsupported snapshot version %d", name, snap.Version)
	}
	return snap, nil
}

func (s *Store) objectPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid session name %q", name)
	}
	return path.Join(s.prefix, name+".json"), nil
}
