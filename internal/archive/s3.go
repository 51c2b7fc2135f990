package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/pavelanni/studycoach/internal/config"
)

// S3Store writes bodies to an S3-compatible bucket using path-style URLs.
type S3Store struct {
	client *s3.S3
	bucket string
}

// NewS3Store creates a store for cfg.S3Bucket. Without explicit keys the
// default AWS credential chain is used.
func NewS3Store(cfg config.Archive) (*S3Store, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.S3Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}
	if cfg.S3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.S3AccessKey, cfg.S3SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3Store{client: s3.New(sess), bucket: cfg.S3Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// New picks the S3 store when a bucket is configured, else the directory
// store. It returns nil when archiving is off.
func New(cfg config.Archive) (Store, error) {
	switch {
	case cfg.S3Bucket != "":
		s, err := NewS3Store(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case cfg.Dir != "":
		d, err := NewDirStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, nil
}
