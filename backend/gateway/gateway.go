package gateway

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andi/cogstac/backend/config"
	"github.com/andi/cogstac/backend/models"
	"github.com/andi/cogstac/backend/workflow"
)

// Gateway copies a local output tree to remote storage
type Gateway interface {
	Upload(ctx context.Context, localRoot, remoteRoot string, exclude []string) error
}

// New picks the gateway for the configured remote: a local mirror for
// file:// and plain directory remotes, object storage otherwise
func New(cfg config.SyncConfig, logger *slog.Logger) (Gateway, error) {
	if IsLocalRemote(cfg.Remote) {
		return NewDirGateway(logger), nil
	}
	return NewMinioGateway(cfg, logger)
}

// IsLocalRemote reports whether remote names a filesystem directory
func IsLocalRemote(remote string) bool {
	return strings.HasPrefix(remote, "file://") || strings.HasPrefix(remote, "/") || strings.HasPrefix(remote, ".")
}

// ParseRemote splits s3://bucket/prefix or bucket/prefix
func ParseRemote(remote string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(remote, "s3://"), "minio://")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("%w: empty remote", models.ErrInvalidConfiguration)
	}
	bucket, prefix, _ = strings.Cut(trimmed, "/")
	return bucket, prefix, nil
}

// ExpandPatterns flattens comma or pipe separated exclude lists
func ExpandPatterns(exclude []string) []string {
	var patterns []string
	for _, entry := range exclude {
		patterns = append(patterns, workflow.SplitPatterns(entry)...)
	}
	return patterns
}

// collectFiles lists regular files under root, relative and slash separated,
// skipping excluded names and hidden staging directories
func collectFiles(root string, exclude []string) ([]string, error) {
	patterns := ExpandPatterns(exclude)

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel != "." && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if workflow.MatchesIgnorePattern(rel, patterns) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrTransferFailure, root, err)
	}

	sort.Strings(files)
	return files, nil
}

func transferError(path string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrTransferFailure, path, err)
}
