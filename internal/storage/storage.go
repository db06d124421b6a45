package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DeadLetter archives raw queue items that can never be persisted, so they
// leave the queue without being lost.
type DeadLetter interface {
	Archive(ctx context.Context, reason string, items []string) (string, error)
}

type LocalStorage struct {
	dir string
}

// s3API is the subset of the S3 client the Spaces backend uses.
type s3API interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

type SpacesStorage struct {
	client s3API
	bucket string
}

func NewLocalStorage(dir string) *LocalStorage {
	return &LocalStorage{dir: dir}
}

func NewSpacesStorage(endpoint, region, bucket, accessKey, secretKey string) (*SpacesStorage, error) {
	config := &aws.Config{
		Credentials:      credentials.NewStaticCredentials(accessKey, secretKey, ""),
		Endpoint:         aws.String(endpoint),
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(false),
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &SpacesStorage{
		client: s3.New(sess),
		bucket: bucket,
	}, nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// archiveName builds a unique, traceable object name for one archive.
func archiveName(reason string, at time.Time) string {
	base := unsafeChars.ReplaceAllString(strings.ReplaceAll(reason, " ", "_"), "")
	if base == "" {
		base = "items"
	}
	return fmt.Sprintf("%s_%s_%s.ndjson", base, at.UTC().Format("20060102_150405"), uuid.NewString()[:8])
}

func ndjson(items []string) []byte {
	var buf bytes.Buffer
	for _, it := range items {
		buf.WriteString(strings.ReplaceAll(it, "\n", " "))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func (ls *LocalStorage) Archive(_ context.Context, reason string, items []string) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(ls.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create dead-letter directory: %w", err)
	}
	path := filepath.Join(ls.dir, archiveName(reason, time.Now()))
	if err := os.WriteFile(path, ndjson(items), 0644); err != nil {
		return "", fmt.Errorf("failed to write dead-letter file: %w", err)
	}
	log.Warn().Str("path", path).Int("items", len(items)).Str("reason", reason).Msg("archived dead-letter items")
	return path, nil
}

func (ss *SpacesStorage) Archive(ctx context.Context, reason string, items []string) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	key := "deadletter/" + archiveName(reason, time.Now())
	_, err := ss.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(ss.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(ndjson(items)),
		ContentType: aws.String("application/x-ndjson"),
		ACL:         aws.String("private"),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to upload dead-letter items to Spaces")
		return "", fmt.Errorf("failed to upload to Spaces: %w", err)
	}
	log.Warn().Str("key", key).Int("items", len(items)).Str("reason", reason).Msg("archived dead-letter items")
	return key, nil
}
