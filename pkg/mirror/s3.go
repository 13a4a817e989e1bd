package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"autosave/pkg/config"
	errs "autosave/pkg/errors"
	"autosave/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// Uploader copies a finished artifact somewhere durable and returns its URI
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// PutObjectAPI is the part of the S3 client the uploader needs
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader puts artifacts into a bucket under an optional prefix
type S3Uploader struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger logger.Logger
}

// StaticKeys are explicit access keys used instead of the default chain
type StaticKeys struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewS3Uploader builds a client from keys, or from the default AWS
// credential chain when keys is nil
func NewS3Uploader(ctx context.Context, cfg config.MirrorConfig, log logger.Logger, keys *StaticKeys) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("mirror bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if keys != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keys.AccessKeyID, keys.SecretAccessKey, keys.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return NewS3UploaderWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg, log), nil
}

// NewS3UploaderWithClient wraps an existing client
func NewS3UploaderWithClient(client PutObjectAPI, cfg config.MirrorConfig, log logger.Logger) *S3Uploader {
	if log == nil {
		log = logger.GetLogger()
	}
	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: log.WithField("component", "mirror"),
	}
}

// Key returns the object key for a local file
func (u *S3Uploader) Key(localPath string) string {
	name := filepath.Base(localPath)
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

// Upload puts localPath into the bucket. Failures carry an error kind so
// the caller's retry policy can tell access problems from flaky networks.
func (u *S3Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", errs.EPath(errs.Classify(err), "mirror", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errs.EPath(errs.Classify(err), "mirror", localPath, err)
	}

	key := u.Key(localPath)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("audio/wav"),
	})
	if err != nil {
		return "", errs.EPath(classifyAPIError(err), "mirror", localPath, err)
	}

	uri := "s3://" + u.bucket + "/" + key
	u.logger.InfoWithFields("Artifact mirrored", map[string]interface{}{
		"uri":  uri,
		"size": info.Size(),
	})
	return uri, nil
}

// classifyAPIError maps S3 error codes onto error kinds. Anything the
// service did not explicitly reject is treated as a network problem.
func classifyAPIError(err error) errs.Kind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.KindUnknown
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			return errs.KindPermission
		case "NoSuchBucket", "InvalidBucketName":
			return errs.KindValidation
		case "EntityTooLarge", "QuotaExceeded":
			return errs.KindSpace
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return errs.KindValidation
		}
	}
	return errs.KindTransientNet
}
