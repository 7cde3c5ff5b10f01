package cursor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/zstore/zstore/internal/circuit"
	"github.com/zstore/zstore/pkg/errors"
)

// ObjectClient is the subset of the S3 API the cursor store uses.
type ObjectClient interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the cursor object.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Key            string `yaml:"key"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	AccessKeyID    string `yaml:"access_key_id"`
	SecretKey      string `yaml:"secret_access_key"`
}

// S3Store keeps the cursor in an object store so that a replacement host can
// pick up where the previous one stopped.
type S3Store struct {
	client  ObjectClient
	bucket  string
	key     string
	logger  *slog.Logger
	breaker *circuit.CircuitBreaker
}

// NewS3Client builds an S3 client from cfg using the default AWS credential
// chain, or static keys when both are configured.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Store creates a store for bucket/key.
func NewS3Store(client ObjectClient, bucket, key string, logger *slog.Logger) (*S3Store, error) {
	if bucket == "" || key == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cursor bucket and key must be set").
			WithComponent("cursor")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		key:    key,
		logger: logger.With("component", "cursor", "bucket", bucket, "key", key),
	}, nil
}

// WithBreaker routes object calls through cb. While cb is open the store
// answers with PERSISTENCE_WARNING without contacting the bucket.
func (s *S3Store) WithBreaker(cb *circuit.CircuitBreaker) *S3Store {
	s.breaker = cb
	return s
}

// call runs fn through the breaker. A missing object is an answer, not a
// failure of the bucket, so it does not count against the breaker.
func (s *S3Store) call(ctx context.Context, fn func(context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	var callErr error
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		callErr = fn(ctx)
		var notFound *s3types.NoSuchKey
		if stderrors.As(callErr, &notFound) {
			return nil
		}
		return callErr
	})
	if stderrors.Is(err, circuit.ErrOpenState) || stderrors.Is(err, circuit.ErrTooManyRequests) {
		return err
	}
	return callErr
}

// Load implements Store.
func (s *S3Store) Load(ctx context.Context) (uint64, error) {
	var out *s3.GetObjectOutput
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key),
		})
		return err
	})
	if err != nil {
		var notFound *s3types.NoSuchKey
		msg := "zone cursor object unreadable, starting at zone 0"
		if stderrors.As(err, &notFound) {
			msg = "zone cursor object does not exist, starting at zone 0"
		}
		s.logger.Warn(msg, "error", err)
		return 0, errors.NewError(errors.ErrCodePersistenceWarning, msg).
			WithComponent("cursor").WithOperation("load").WithCause(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, 64))
	if err != nil {
		return 0, errors.NewError(errors.ErrCodePersistenceWarning, "failed to read zone cursor object").
			WithComponent("cursor").WithOperation("load").WithCause(err)
	}
	zone, err := Decode(data)
	if err != nil {
		s.logger.Warn("zone cursor object unparsable, starting at zone 0", "error", err)
		return 0, err
	}
	return zone, nil
}

// Save implements Store.
func (s *S3Store) Save(ctx context.Context, zone uint64) error {
	data := Encode(zone)
	err := s.call(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String("text/plain"),
		})
		return err
	})
	if err != nil {
		s.logger.Warn("failed to save zone cursor", "error", err)
		return errors.NewError(errors.ErrCodePersistenceWarning, "failed to save zone cursor object").
			WithComponent("cursor").WithOperation("save").WithCause(err)
	}
	return nil
}

// Tee saves to every store and loads from the first one that has a value.
type Tee []Store

// Load implements Store.
func (t Tee) Load(ctx context.Context) (uint64, error) {
	var lastErr error
	for _, st := range t {
		zone, err := st.Load(ctx)
		if err == nil {
			return zone, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.NewError(errors.ErrCodePersistenceWarning, "no cursor store configured").
			WithComponent("cursor").WithOperation("load")
	}
	return 0, lastErr
}

// Save implements Store. Every store is attempted; the first failure is
// returned.
func (t Tee) Save(ctx context.Context, zone uint64) error {
	var firstErr error
	for _, st := range t {
		if err := st.Save(ctx, zone); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
