// Package artifact publishes the accepted configuration to object storage,
// where the deployment pipeline picks it up.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"github.com/artpar/fusion/internal/core/domain"
)

// ErrMissingBucket is returned when no bucket is configured.
var ErrMissingBucket = errors.New("artifact bucket is required")

// ErrMissingCredentials is returned when AWS S3 is targeted without a key
// pair, or when only half of a pair is set.
var ErrMissingCredentials = errors.New("artifact access key ID and secret access key are required")

const contentTypeJSON = "application/json"

// Config holds artifact storage settings.
type Config struct {
	Bucket    string
	Key       string // defaults to fusionConfiguration.json
	BackupKey string // when set, the current artifact is copied here before overwrite

	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint     string
	UsePathStyle bool

	// Public grants public-read on the written object.
	Public bool
}

// checkCredentials requires a complete key pair. Anonymous access is only
// allowed against an explicit Endpoint.
func (c Config) checkCredentials() error {
	hasKey, hasSecret := c.AccessKeyID != "", c.SecretAccessKey != ""
	if hasKey != hasSecret {
		return ErrMissingCredentials
	}
	if !hasKey && c.Endpoint == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Location identifies a published artifact.
type Location struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	URL      string `json:"url"`
	BackedUp bool   `json:"backed_up"`
}

// Publisher writes configurations to S3.
type Publisher struct {
	client *s3.Client
	cfg    Config
	logger *slog.Logger
}

// NewPublisher creates an S3 publisher.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, ErrMissingBucket
	}
	if err := cfg.checkCredentials(); err != nil {
		return nil, err
	}
	if cfg.Key == "" {
		cfg.Key = "fusionConfiguration.json"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := s3.Options{
		Region:                     cfg.Region,
		UsePathStyle:               cfg.UsePathStyle,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &Publisher{
		client: s3.New(opts),
		cfg:    cfg,
		logger: logger.With("component", "artifact"),
	}, nil
}

// Publish writes config as the deployable artifact. The previous artifact is
// copied to the backup key first when one is configured.
func (p *Publisher) Publish(ctx context.Context, config domain.Configuration) (*Location, error) {
	body, err := Encode(config)
	if err != nil {
		return nil, err
	}

	loc := &Location{
		Bucket: p.cfg.Bucket,
		Key:    p.cfg.Key,
		URL:    p.objectURL(p.cfg.Key),
	}

	if p.cfg.BackupKey != "" {
		backedUp, err := p.backup(ctx)
		if err != nil {
			return nil, err
		}
		loc.BackedUp = backedUp
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(p.cfg.Key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentTypeJSON),
	}
	if p.cfg.Public {
		input.ACL = s3types.ObjectCannedACLPublicRead
	}

	if _, err := p.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("put artifact %s/%s: %w", p.cfg.Bucket, p.cfg.Key, err)
	}

	p.logger.Info("published configuration", "location", loc.URL, "units", len(config))
	return loc, nil
}

// backup copies the current artifact to the backup key. A missing current
// artifact is not an error.
func (p *Publisher) backup(ctx context.Context) (bool, error) {
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.cfg.Bucket),
		Key:        aws.String(p.cfg.BackupKey),
		CopySource: aws.String(copySource(p.cfg.Bucket, p.cfg.Key)),
	})
	if err != nil {
		if isNotFound(err) {
			p.logger.Info("no current artifact to back up", "key", p.cfg.Key)
			return false, nil
		}
		return false, fmt.Errorf("back up artifact to %s: %w", p.cfg.BackupKey, err)
	}
	p.logger.Debug("backed up artifact", "key", p.cfg.Key, "backup_key", p.cfg.BackupKey)
	return true, nil
}

// copySource builds the URL-encoded bucket/key value S3 expects in the copy
// source header. Slashes between key segments stay literal.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

func (p *Publisher) objectURL(key string) string {
	if p.cfg.Endpoint != "" {
		return strings.TrimSuffix(p.cfg.Endpoint, "/") + "/" + p.cfg.Bucket + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.cfg.Bucket, p.cfg.Region, key)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// Encode renders config in the persisted layout: a JSON array of
// {lambdas, entry} units.
func Encode(config domain.Configuration) ([]byte, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	return data, nil
}
