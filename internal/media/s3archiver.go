package media

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
)

// S3Config holds the archiver's bucket settings.
type S3Config struct {
	Enabled   bool
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// Archiver copies inbound media into an S3 bucket so attachments outlive the
// retention window of the chat provider.
type Archiver struct {
	client     *s3.Client
	httpClient *resty.Client
	bucket     string
}

// NewArchiver builds an S3 archiver, or returns (nil, nil) when disabled.
func NewArchiver(cfg S3Config) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not configured")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket not configured")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Msg("S3 media archiver initialized")

	return &Archiver{
		client:     client,
		httpClient: resty.New().SetTimeout(30 * time.Second),
		bucket:     cfg.Bucket,
	}, nil
}

// ArchiveInbound downloads the message's media and stores it under an
// inbox/{conversation}/{yyyy/mm/dd}/{messageID} key. Messages without media
// are skipped.
func (a *Archiver) ArchiveInbound(ctx context.Context, msg models.Message) error {
	if a == nil || msg.MediaURL == "" {
		return nil
	}

	resp, err := a.httpClient.R().SetContext(ctx).Get(msg.MediaURL)
	if err != nil {
		return fmt.Errorf("failed to download media for message %d: %w", msg.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("failed to download media for message %d: status %s", msg.ID, resp.Status())
	}

	contentType := resp.Header().Get("Content-Type")
	key := a.objectKey(msg, contentType)
	body := resp.Body()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to archive media for message %d: %w", msg.ID, err)
	}

	log.Debug().
		Int64("messageID", msg.ID).
		Int64("conversationID", msg.ConversationID).
		Str("key", key).
		Int("size", len(body)).
		Msg("Inbound media archived to S3")
	return nil
}

func (a *Archiver) objectKey(msg models.Message, contentType string) string {
	now := msg.SentAt
	if now.IsZero() {
		now = time.Now()
	}
	name := fmt.Sprintf("%d", msg.ID)
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		name += exts[0]
	}
	return path.Join(
		"inbox",
		fmt.Sprintf("%d", msg.ConversationID),
		now.Format("2006/01/02"),
		name,
	)
}
