package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cascadepool/payoutbot/internal/domain"
)

// Writer uploads archive snapshots to the client's bucket.
type Writer struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewWriter creates a Writer over the given client. The multipart uploader
// is shared across calls.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client:   c.S3(),
		uploader: manager.NewUploader(c.S3()),
		bucket:   c.Bucket(),
	}
}

// Put uploads data in a single PutObject request.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart streams data through the SDK upload manager, which splits it
// into concurrent parts. Part sizes below the S3 minimum are raised to it.
func (w *Writer) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	if partSize < manager.MinUploadPartSize {
		partSize = manager.MinUploadPartSize
	}

	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(path),
		Body:   data,
	}, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart put %s: %w", path, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
