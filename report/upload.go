package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Uploader pushes a result bundle to S3 so runs on throwaway hosts keep their
// artifacts.
type Uploader struct {
	uploader *manager.Uploader
	bucket   string
}

func NewUploader(cfg aws.Config, bucket string) *Uploader {
	client := s3.NewFromConfig(cfg)
	return &Uploader{uploader: manager.NewUploader(client), bucket: bucket}
}

// UploadBundle uploads every file in dir under the key prefix runID/.
func (u *Uploader) UploadBundle(ctx context.Context, runID, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading result dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		key := runID + "/" + entry.Name()
		_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(u.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		f.Close()
		if err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
		slog.Debug("uploaded result file", slog.String("bucket", u.bucket), slog.String("key", key))
	}
	return nil
}
