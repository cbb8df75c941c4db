package process

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/officepool/pkg/models"
)

const profileDirPrefix = ".officepool_"

var connectStringReplacer = strings.NewReplacer(",", "_", "=", "-")

// NewProfileDir returns a fresh profile directory path under workingDir for
// an office process listening on ep. Every call returns a different path.
func NewProfileDir(workingDir string, ep models.Endpoint) string {
	name := profileDirPrefix + connectStringReplacer.Replace(ep.ConnectString()) + "_" + uuid.NewString()[:8]
	return filepath.Join(workingDir, name)
}

// FileURL converts a local path to the file URL form the office process
// expects for -env:UserInstallation.
func FileURL(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

func prepareProfileDir(dir, template string, removeAll func(string) error) error {
	if _, err := os.Stat(dir); err == nil {
		log.Printf("process_event=profile_exists dir=%q action=delete", dir)
		if _, err := deleteProfileDir(dir, removeAll); err != nil {
			return err
		}
	}
	if template != "" {
		if err := os.CopyFS(dir, os.DirFS(template)); err != nil {
			return fmt.Errorf("copy template profile %s: %w", template, err)
		}
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	return nil
}

// deleteProfileDir removes dir. If that fails the directory is renamed
// aside so the path can be reused; the new name is returned. An error is
// returned only when both operations fail.
func deleteProfileDir(dir string, removeAll func(string) error) (string, error) {
	if dir == "" {
		return "", nil
	}
	err := removeAll(dir)
	if err == nil {
		log.Printf("process_event=profile_deleted dir=%q", dir)
		return "", nil
	}

	renamed := fmt.Sprintf("%s.old.%d", dir, time.Now().UnixMilli())
	if rerr := os.Rename(dir, renamed); rerr != nil {
		log.Printf("process_event=profile_cleanup_failed dir=%q delete_error=%q rename_error=%q", dir, err, rerr)
		return "", errors.Join(fmt.Errorf("delete profile dir %s: %w", dir, err), rerr)
	}
	log.Printf("process_event=profile_renamed dir=%q renamed_to=%q delete_error=%q", dir, renamed, err)
	return renamed, nil
}
