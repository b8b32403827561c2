package snapshot

import (
	"bytes"
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/routecodex/routecodex/internal/observability"
)

// S3Config configures optional snapshot mirroring to an object store.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// S3Uploader mirrors written snapshot files to S3. Uploads run on one
// background worker with a bounded queue; failures are logged and dropped,
// the local file remains the source of truth.
type S3Uploader struct {
	client *s3.Client
	cfg    S3Config
	logger *observability.Logger

	queue     chan s3Item
	closeOnce sync.Once
	done      chan struct{}
}

type s3Item struct {
	key  string
	data []byte
}

// NewS3Uploader builds the uploader from the ambient AWS credential chain.
func NewS3Uploader(ctx context.Context, cfg S3Config, logger *observability.Logger) (*S3Uploader, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	u := &S3Uploader{
		client: client,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan s3Item, queueSize),
		done:   make(chan struct{}),
	}
	go u.run()
	return u, nil
}

// Enqueue schedules one snapshot file for upload. Never blocks; a full
// queue drops the upload.
func (u *S3Uploader) Enqueue(localPath string, data []byte) {
	key := path.Join(u.cfg.Prefix, strings.TrimPrefix(localPath, "/"))
	select {
	case u.queue <- s3Item{key: key, data: data}:
	default:
		u.logger.Debug("snapshot upload dropped, queue full", "key", key)
	}
}

// Close drains pending uploads and stops the worker.
func (u *S3Uploader) Close() {
	u.closeOnce.Do(func() {
		close(u.queue)
		<-u.done
	})
}

func (u *S3Uploader) run() {
	defer close(u.done)
	for item := range u.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.cfg.Bucket),
			Key:         aws.String(item.key),
			Body:        bytes.NewReader(item.data),
			ContentType: aws.String("application/json"),
		})
		cancel()
		if err != nil {
			u.logger.Debug("snapshot upload failed", "key", item.key, "error", err)
		}
	}
}
