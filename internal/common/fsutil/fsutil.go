// Package fsutil builds the on-disk content layout and provides atomic
// writes. Content lives on disk as <timestamp>-<agent>-<slug>.md files; the
// datastore stores the path and agents read the file directly.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts text to a filesystem-safe slug, bounded at maxLen.
func Slugify(text string, maxLen int) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(text), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxLen {
		slug = slug[:maxLen]
	}
	return slug
}

// Timestamp returns a compact filename timestamp: 20260825T143022.
func Timestamp() string {
	return time.Now().Format("20060102T150405")
}

// MessagePath builds inbox/<to>/<ts>-<from>-<slug>.md, creating the directory.
func MessagePath(inboxDir, toAgent, fromAgent, slug string) (string, error) {
	dir := filepath.Join(inboxDir, toAgent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s-%s.md", Timestamp(), Slugify(fromAgent, 20), Slugify(slug, 20))
	return filepath.Join(dir, name), nil
}

// PlanPath builds battle-plans/<ts>-<agent>-plan.md, creating the directory.
func PlanPath(planDir, agent string) (string, error) {
	if err := os.MkdirAll(planDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s-plan.md", Timestamp(), Slugify(agent, 20))
	return filepath.Join(planDir, name), nil
}

// LogPath builds raid-log/<ts>-<agent>-<priority>.md, creating the directory.
func LogPath(logDir, agent, priority string) (string, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%s-%s.md", Timestamp(), Slugify(agent, 20), priority)
	return filepath.Join(logDir, name), nil
}

// AtomicWrite writes content to path via a temp file and rename, so readers
// never observe a partial file.
func AtomicWrite(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".minion-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ReadContent reads a content file, returning "" when the path is empty or
// the file is missing.
func ReadContent(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
