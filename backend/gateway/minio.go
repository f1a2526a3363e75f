package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/andi/cogstac/backend/config"
	"github.com/andi/cogstac/backend/metadata"
	"github.com/andi/cogstac/backend/models"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// MinioGateway uploads to S3 compatible object storage
type MinioGateway struct {
	client  *miniogo.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewMinioGateway creates an object storage gateway
func NewMinioGateway(cfg config.SyncConfig, logger *slog.Logger) (*MinioGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if endpoint == "" {
		endpoint = defaultS3Endpoint
		secure = true
	}

	client, err := miniogo.New(endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create minio client: %v", models.ErrInvalidConfiguration, err)
	}

	logger.Info("object storage gateway initialized", "endpoint", endpoint, "ssl", secure)
	return &MinioGateway{client: client, timeout: cfg.UploadTimeout, logger: logger}, nil
}

// Upload puts every non-excluded file under the remote bucket and prefix.
// The first failure aborts the transfer.
func (g *MinioGateway) Upload(ctx context.Context, localRoot, remoteRoot string, exclude []string) error {
	bucket, prefix, err := ParseRemote(remoteRoot)
	if err != nil {
		return err
	}

	exists, err := g.client.BucketExists(ctx, bucket)
	if err != nil {
		return transferError(bucket, err)
	}
	if !exists {
		return transferError(bucket, fmt.Errorf("bucket does not exist"))
	}

	files, err := collectFiles(localRoot, exclude)
	if err != nil {
		return err
	}

	var total int64
	for _, rel := range files {
		size, err := g.put(ctx, bucket, prefix, rel, filepath.Join(localRoot, filepath.FromSlash(rel)))
		if err != nil {
			return transferError(rel, err)
		}
		total += size
	}

	g.logger.Info("sync completed", "bucket", bucket, "prefix", prefix, "files", len(files), "bytes", total)
	return nil
}

func (g *MinioGateway) put(ctx context.Context, bucket, prefix, rel, localPath string) (int64, error) {
	objectKey := path.Join(prefix, rel)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	file, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}

	_, err = g.client.PutObject(
		ctx,
		bucket,
		objectKey,
		file,
		info.Size(),
		miniogo.PutObjectOptions{
			ContentType: metadata.MediaType(localPath),
			UserMetadata: map[string]string{
				"tile":     strings.SplitN(rel, "/", 2)[0],
				"modified": info.ModTime().UTC().Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return 0, err
	}

	g.logger.Debug("uploaded object", "bucket", bucket, "key", objectKey, "size", info.Size())
	return info.Size(), nil
}
