package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/config"
)

// Publisher syncs an exported tree to an S3-compatible bucket. Cloudflare R2
// works through the custom endpoint.
type Publisher struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewPublisher builds a publisher from the S3 settings. Returns an error when
// no publish target is configured.
func NewPublisher(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Publisher, error) {
	if !cfg.S3Enabled() {
		return nil, fmt.Errorf("export: no S3 publish target configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("export: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Publisher{
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   strings.Trim(cfg.S3Prefix, "/"),
		log:      log.With().Str("component", "publish").Logger(),
	}, nil
}

// Sync uploads every file under dir, keyed by its path relative to dir.
// Returns the number of uploaded objects.
func (p *Publisher) Sync(ctx context.Context, dir string) (int, error) {
	uploaded := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if p.prefix != "" {
			key = p.prefix + "/" + key
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		input := &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   f,
		}
		if strings.HasSuffix(path, ".json") {
			input.ContentType = aws.String("application/json")
		}
		if _, err := p.uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return uploaded, err
	}
	p.log.Info().Int("objects", uploaded).Str("bucket", p.bucket).Msg("Publish complete")
	return uploaded, nil
}
