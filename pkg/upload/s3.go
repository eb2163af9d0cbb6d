package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testbench/pkg/config"
)

const defaultPrefix = "testbench"

// s3Uploader implements Uploader for S3-compatible storage.
type s3Uploader struct {
	log      logrus.FieldLogger
	cfg      *config.S3UploadConfig
	client   *s3.Client
	uploader *manager.Uploader
}

// Ensure interface compliance.
var _ Uploader = (*s3Uploader)(nil)

// NewS3Uploader creates a new S3 uploader from the given configuration.
// Static credentials are used when both keys are set; otherwise the default
// AWS credential chain is loaded.
func NewS3Uploader(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) (Uploader, error) {
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &s3Uploader{
		log:      log.WithField("component", "s3-uploader"),
		cfg:      cfg,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func newS3Client(ctx context.Context, cfg *config.S3UploadConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	withEndpoint := func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}

		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		return s3.New(s3.Options{
			Region: region,
			Credentials: credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			),
		}, withEndpoint), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, withEndpoint), nil
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("testbench write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(u.prefix() + "/.testbench-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

// UploadBytes implements Uploader.
func (u *s3Uploader) UploadBytes(ctx context.Context, runDir, name string, data []byte) (string, error) {
	key := u.resolveKey(runDir, name)

	if err := u.put(ctx, key, bytes.NewReader(data), detectContentType(name)); err != nil {
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}

	return key, nil
}

// UploadFile implements Uploader.
func (u *s3Uploader) UploadFile(ctx context.Context, runDir, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	name := filepath.Base(path)
	key := u.resolveKey(runDir, name)

	if err := u.put(ctx, key, f, detectContentType(path)); err != nil {
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}

	return key, nil
}

func (u *s3Uploader) put(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	if u.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.StorageClass)
	}

	if u.cfg.ACL != "" {
		input.ACL = s3types.ObjectCannedACL(u.cfg.ACL)
	}

	u.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": u.cfg.Bucket,
	}).Debug("Uploading object")

	if _, err := u.uploader.Upload(ctx, input); err != nil {
		return err
	}

	u.log.WithField("key", key).Info("Uploaded object")

	return nil
}

func (u *s3Uploader) prefix() string {
	prefix := strings.Trim(u.cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}

	return prefix
}

// resolveKey builds the object key for a file in a run directory.
func (u *s3Uploader) resolveKey(runDir, name string) string {
	return u.prefix() + "/runs/" + runDir + "/" + name
}

// detectContentType returns a MIME type based on file extension.
func detectContentType(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return "application/octet-stream"
	}

	switch ext {
	case ".csv":
		return "text/csv; charset=utf-8"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".log":
		return "text/plain; charset=utf-8"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
