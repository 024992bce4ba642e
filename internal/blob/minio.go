package blob

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioOptions struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Secure     bool
	PublicBase string
}

// Minio stores blobs in an S3-compatible bucket. References still point at
// PublicBase so the HTTP surface can proxy reads.
type Minio struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

func NewMinio(ctx context.Context, opts MinioOptions) (*Minio, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
		log.Printf("BLOB: created bucket %s", opts.Bucket)
	}

	base := opts.PublicBase
	if base == "" {
		base = "/blobs"
	}
	return &Minio{client: client, bucket: opts.Bucket, publicBase: base}, nil
}

func (m *Minio) Upload(ctx context.Context, r io.Reader, size int64, contentType string) (string, error) {
	name, err := newName(size, contentType)
	if err != nil {
		return "", err
	}
	info, err := m.client.PutObject(ctx, m.bucket, name, r, size, minio.PutObjectOptions{
		ContentType: contentTypeOf(name),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	log.Printf("BLOB: stored %s/%s (%d bytes)", m.bucket, name, info.Size)
	return ref(m.publicBase, name), nil
}

func (m *Minio) Open(ctx context.Context, name string) (io.ReadCloser, string, error) {
	if !ValidName(name) {
		return nil, "", ErrNotFound
	}
	obj, err := m.client.GetObject(ctx, m.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get object: %w", err)
	}
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("stat object: %w", err)
	}
	ct := st.ContentType
	if ct == "" {
		ct = contentTypeOf(name)
	}
	return obj, ct, nil
}
