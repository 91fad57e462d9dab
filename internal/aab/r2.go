package aab

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Publisher uploads a finished bundle somewhere it can be downloaded from.
type Publisher interface {
	Publish(ctx context.Context, bundlePath, digest string) (string, error)
}

// R2Client wraps the S3 client for Cloudflare R2 (or any S3 endpoint).
type R2Client struct {
	Client     *s3.Client
	BucketName string
	Prefix     string
}

// NewR2Client initializes a new R2 client from the publish settings.
func NewR2Client(ctx context.Context, pc PublishConfig) (*R2Client, error) {
	if pc.AccessKeyID == "" || pc.SecretAccessKey == "" || pc.Bucket == "" {
		return nil, fmt.Errorf("R2 credentials missing in configuration (access_key_id, secret_access_key, bucket)")
	}
	endpoint := pc.Endpoint
	if endpoint == "" {
		if pc.AccountID == "" {
			return nil, fmt.Errorf("R2 configuration needs either endpoint or account_id")
		}
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", pc.AccountID)
	}

	options := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(pc.AccessKeyID, pc.SecretAccessKey, "")),
		config.WithRegion("auto"),
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &R2Client{
		Client:     client,
		BucketName: pc.Bucket,
		Prefix:     strings.Trim(pc.Prefix, "/"),
	}, nil
}

// Publish uploads the bundle under Prefix/<file name> and records its
// BLAKE3 digest as object metadata. It returns the object key.
func (r *R2Client) Publish(ctx context.Context, bundlePath, digest string) (string, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return "", &StageError{Kind: ErrPublish, Err: err}
	}
	defer f.Close()

	key := path.Join(r.Prefix, filepath.Base(bundlePath))
	_, err = r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.BucketName),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"blake3": digest},
	})
	if err != nil {
		return "", &StageError{Kind: ErrPublish, Err: fmt.Errorf("upload %s: %w", key, err)}
	}
	return key, nil
}
