package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	mirrorNumRetries = 3
	mirrorRetryWait  = 5 * time.Second
)

// Mirror optionally replicates a Record to an S3-compatible bucket so a
// different machine than the one that started the upload can resume it.
// Every method is best-effort: a mirror failure is logged and never gates
// the local Store contract.
type Mirror struct {
	client *s3.Client
	bucket string
	key    string
	logger log.Logger
}

// MirrorConfig carries the settings needed to reach the mirror bucket.
type MirrorConfig struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewMirror creates a Mirror for the scope identified by localDir. Enabled
// is false (and NewMirror returns nil, nil) when cfg.Bucket is empty,
// matching the "absent config ⇒ original single-machine design" contract.
func NewMirror(ctx context.Context, cfg MirrorConfig, localDir string, logger log.Logger) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("session: mirror region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("session: load aws config: %w", err)
	}

	return &Mirror{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		key:    "session-" + scopeFileName(localDir) + ".json",
		logger: logger,
	}, nil
}

// Push uploads rec to the mirror bucket. Failures are logged, not
// returned, so the caller's save() path never fails on mirror trouble.
func (m *Mirror) Push(ctx context.Context, rec Record) {
	if m == nil {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		m.logger.Warnf("session mirror: marshal record: %s", err)
		return
	}

	err = retry.Times(mirrorNumRetries).Wait(mirrorRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		uploader := manager.NewUploader(m.client)
		_, uploadErr := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(m.bucket),
			Key:         aws.String(m.key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if uploadErr != nil {
			return fmt.Errorf("upload session mirror: %w", uploadErr), false
		}
		return nil, true
	})
	if err != nil {
		m.logger.Warnf("session mirror: push failed: %s", err)
	}
}

// Pull retrieves the mirrored record, returning (Record{}, false) if the
// mirror is disabled, the object doesn't exist, or any error occurred.
func (m *Mirror) Pull(ctx context.Context) (Record, bool) {
	if m == nil {
		return Record{}, false
	}

	var body []byte
	err := retry.Times(mirrorNumRetries).Wait(mirrorRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, getErr := m.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(m.key),
		})
		if getErr != nil {
			var apiErr smithy.APIError
			if errors.As(getErr, &apiErr) {
				if _, ok := apiErr.(*types.NoSuchKey); ok {
					return nil, true
				}
			}
			return fmt.Errorf("get session mirror object: %w", getErr), false
		}
		defer out.Body.Close()

		data, readErr := io.ReadAll(out.Body)
		if readErr != nil {
			return fmt.Errorf("read session mirror body: %w", readErr), false
		}
		body = data
		return nil, true
	})
	if err != nil {
		m.logger.Warnf("session mirror: pull failed: %s", err)
		return Record{}, false
	}
	if body == nil {
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		m.logger.Warnf("session mirror: corrupt mirrored record: %s", err)
		return Record{}, false
	}
	return rec, true
}
