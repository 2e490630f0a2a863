package assets

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/entropool/entropool/storage"
)

// S3Provider serves assets from an S3 bucket, optionally below a key prefix.
type S3Provider struct {
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

var _ Provider = (*S3Provider)(nil)

// NewS3Provider creates a provider reading from the given bucket. The client
// is the narrow download interface so tests can substitute a fake.
func NewS3Provider(client manager.DownloadAPIClient, bucket string, prefix string) *S3Provider {
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		// assets are small; a single sequential request per object keeps
		// the request count predictable
		d.Concurrency = 1
	})

	return &S3Provider{
		downloader: downloader,
		bucket:     bucket,
		prefix:     prefix,
	}
}

// Open downloads the asset with the given name from the bucket.
//
// Expected errors during normal operations:
//   - storage.ErrNotFound if no object with this key exists
//   - storage.ErrUnavailable if the bucket cannot be reached
func (p *S3Provider) Open(ctx context.Context, name string) (*Asset, error) {
	cleaned, ok := cleanName(name)
	if !ok {
		return nil, storage.ErrNotFound
	}

	key := cleaned
	if p.prefix != "" {
		key = path.Join(p.prefix, cleaned)
	}

	buf := manager.NewWriteAtBuffer(nil)
	_, err := p.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, storage.ErrNotFound
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: could not download asset %s: %s", storage.ErrUnavailable, key, err.Error())
	}

	body := buf.Bytes()
	return &Asset{
		Name:        cleaned,
		ContentType: contentType(cleaned, body),
		Body:        body,
	}, nil
}
