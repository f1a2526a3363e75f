package gateway

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DirGateway mirrors the output tree into another directory
type DirGateway struct {
	logger *slog.Logger
}

// NewDirGateway creates a filesystem gateway
func NewDirGateway(logger *slog.Logger) *DirGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirGateway{logger: logger}
}

// Upload copies every non-excluded file from localRoot to remoteRoot
func (g *DirGateway) Upload(ctx context.Context, localRoot, remoteRoot string, exclude []string) error {
	target := strings.TrimPrefix(remoteRoot, "file://")

	files, err := collectFiles(localRoot, exclude)
	if err != nil {
		return err
	}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return transferError(rel, err)
		}
		if err := copyFile(filepath.Join(localRoot, filepath.FromSlash(rel)), filepath.Join(target, filepath.FromSlash(rel))); err != nil {
			return transferError(rel, err)
		}
	}

	g.logger.Info("sync completed", "remote", remoteRoot, "files", len(files))
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
