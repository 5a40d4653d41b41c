// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloadclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/moistari/rls"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Blackhole drops magnets and torrent files into a watch directory that some
// other program picks up.
type Blackhole struct {
	settings Settings
	log      zerolog.Logger
}

func newBlackhole(s Settings) (Client, error) {
	if strings.TrimSpace(s.Directory) == "" {
		return nil, invalidRequest(TypeBlackhole, "create", "directory is required")
	}
	return &Blackhole{
		settings: s,
		log: log.Logger.With().
			Str("module", "downloadclient").
			Str("client", string(TypeBlackhole)).
			Int("clientID", s.ID).
			Logger(),
	}, nil
}

func (c *Blackhole) Type() ClientType { return TypeBlackhole }

func (c *Blackhole) dir() string {
	return filepath.Clean(c.settings.downloadDir(""))
}

func (c *Blackhole) TestConnection(ctx context.Context) TestResult {
	dir := filepath.Clean(c.settings.Directory)
	info, err := os.Stat(dir)
	if err != nil {
		return testResult(c.Type(), "", wrapError(KindConnection, c.Type(), "test", err, "directory %s is not accessible", dir))
	}
	if !info.IsDir() {
		return testResult(c.Type(), "", newError(KindInvalidRequest, c.Type(), "test", "%s is not a directory", dir))
	}
	f, err := os.CreateTemp(dir, ".borrowarr-test-*")
	if err != nil {
		return testResult(c.Type(), "", wrapError(KindConnection, c.Type(), "test", err, "directory %s is not writable", dir))
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return testResult(c.Type(), "", nil)
}

func (c *Blackhole) AddTorrentFromMagnet(ctx context.Context, magnetLink string) (string, error) {
	if IsHTTPURL(magnetLink) {
		return "", invalidRequest(c.Type(), "add", "blackhole cannot fetch urls, the torrent file must be downloaded first")
	}
	hash, err := magnetHash(c.Type(), magnetLink, false)
	if err != nil {
		return "", err
	}
	name := blackholeName(MagnetDisplayName(magnetLink), hash)
	if err := c.write(ctx, name+".magnet", []byte(strings.TrimSpace(magnetLink))); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *Blackhole) AddTorrentFromFile(ctx context.Context, filename string, content []byte) (string, error) {
	hash, err := torrentHash(c.Type(), content, false)
	if err != nil {
		return "", err
	}
	title := TorrentName(content)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	name := blackholeName(title, hash)
	if err := c.write(ctx, name+".torrent", content); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *Blackhole) write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return wrapError(KindConnection, c.Type(), "add", err, "request canceled")
	}
	dir := c.dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wrapError(KindConnection, c.Type(), "add", err, "could not create directory %s", dir)
	}
	path, err := writeFileAtomic(dir, name, data)
	if err != nil {
		return wrapError(KindConnection, c.Type(), "add", err, "could not write %s", name)
	}
	c.log.Debug().Str("path", path).Msg("wrote file to blackhole")
	return nil
}

// writeFileAtomic writes into a hidden temp file in dir and renames it into
// place, so watchers never observe a partial file under the final name.
func writeFileAtomic(dir, name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", errors.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return "", errors.Wrap(err, "chmod temp file")
	}

	final := filepath.Join(dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return "", errors.Wrap(err, "rename temp file")
	}
	return final, nil
}

// maxNameBytes keeps the name plus extension and temp suffix under the
// 255-byte limit of common filesystems.
const maxNameBytes = 200

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)

// blackholeName picks a file name stem: a normalized release name when the
// title parses, the sanitized title otherwise, and the info-hash as a last resort.
func blackholeName(title, hash string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return hash
	}

	name := title
	if r := rls.ParseString(title); r.Title != "" {
		name = releaseName(r)
	}

	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = truncateUTF8(name, maxNameBytes)
	name = strings.Trim(name, ". _")
	if name == "" {
		return hash
	}
	return name
}

func releaseName(r rls.Release) string {
	parts := []string{strings.ReplaceAll(r.Title, " ", ".")}
	if r.Year > 0 {
		parts = append(parts, fmt.Sprint(r.Year))
	}
	switch {
	case r.Series > 0 && r.Episode > 0:
		parts = append(parts, fmt.Sprintf("S%02dE%02d", r.Series, r.Episode))
	case r.Series > 0:
		parts = append(parts, fmt.Sprintf("S%02d", r.Series))
	}
	if r.Resolution != "" {
		parts = append(parts, r.Resolution)
	}
	if r.Source != "" {
		parts = append(parts, r.Source)
	}
	name := strings.Join(parts, ".")
	if r.Group != "" {
		name += "-" + r.Group
	}
	return name
}
