package attachments

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultURLTTL is how long presigned URLs stay valid.
const DefaultURLTTL = 24 * time.Hour

// S3ResolverConfig configures an S3-compatible attachment resolver.
type S3ResolverConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	URLTTL          time.Duration
}

type headObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type presignGetAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Resolver checks that an object exists and returns a presigned GET URL.
type S3Resolver struct {
	client    headObjectAPI
	presigner presignGetAPI
	bucket    string
	prefix    string
	ttl       time.Duration
}

// NewS3Resolver creates a resolver for the configured bucket.
func NewS3Resolver(ctx context.Context, cfg S3ResolverConfig) (*S3Resolver, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3Resolver(client, s3.NewPresignClient(client), bucket, cfg.Prefix, cfg.URLTTL), nil
}

func newS3Resolver(client headObjectAPI, presigner presignGetAPI, bucket, prefix string, ttl time.Duration) *S3Resolver {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &S3Resolver{
		client:    client,
		presigner: presigner,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		ttl:       ttl,
	}
}

// ResolveURL returns ErrUnresolvable when the object is missing.
func (r *S3Resolver) ResolveURL(ctx context.Context, storageRef string) (string, error) {
	key := r.objectKey(storageRef)
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &r.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrUnresolvable, storageRef)
		}
		return "", fmt.Errorf("s3 head object: %w", err)
	}

	req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &r.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", fmt.Errorf("s3 presign get object: %w", err)
	}
	return req.URL, nil
}

func (r *S3Resolver) objectKey(storageRef string) string {
	ref := strings.TrimPrefix(storageRef, "s3://"+r.bucket+"/")
	if r.prefix == "" || strings.HasPrefix(ref, r.prefix+"/") {
		return ref
	}
	return path.Join(r.prefix, ref)
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && strings.EqualFold(apiErr.ErrorCode(), "NotFound")
}
