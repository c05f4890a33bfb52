// Package archive exports finished sessions to S3 as JSONL objects, one
// object per session: the terminal record first, then every interaction
// chunk in chronological order. Vectors are stripped from the export.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/szaher/recall/internal/model"
)

// ObjectPutter is the slice of the S3 API the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ ObjectPutter = (*s3.Client)(nil)

// Store is the slice of the storage contract the archiver reads from.
type Store interface {
	GetSession(ctx context.Context, userID, sessionID string) (*model.SessionRecord, error)
	RecentChunks(ctx context.Context, userID, sessionID string, limit int) ([]model.InteractionChunk, error)
}

// Archiver writes one JSONL object per archived session under
// {prefix}/{user}/{session}.jsonl.
type Archiver struct {
	client ObjectPutter
	store  Store
	bucket string
	prefix string
	logger *slog.Logger
}

// New wires an archiver. The client is shared and long-lived.
func New(client ObjectPutter, store Store, bucket, prefix string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Archiver{
		client: client,
		store:  store,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With("component", "archive", "bucket", bucket),
	}
}

// NewClient builds an S3 client from the ambient AWS credential chain.
func NewClient(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// line is one JSONL row. Exactly one of Session and Chunk is set.
type line struct {
	Kind    string                  `json:"kind"`
	Session *model.SessionRecord    `json:"session,omitempty"`
	Chunk   *model.InteractionChunk `json:"chunk,omitempty"`
}

// ArchiveSession uploads the session's terminal record and chunks. It is
// meant to run as a background task after session end; the caller decides
// whether a failure is fatal.
func (a *Archiver) ArchiveSession(ctx context.Context, userID, sessionID string) error {
	rec, err := a.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", sessionID, err)
	}
	chunks, err := a.store.RecentChunks(ctx, userID, sessionID, 0)
	if err != nil {
		return fmt.Errorf("archive session %s chunks: %w", sessionID, err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	recCopy := *rec
	recCopy.SummaryVector = nil
	if err := enc.Encode(line{Kind: "session", Session: &recCopy}); err != nil {
		return fmt.Errorf("encode session line: %w", err)
	}
	// RecentChunks is newest first; archive oldest first.
	for i := len(chunks) - 1; i >= 0; i-- {
		chunk := chunks[i]
		chunk.ContentVector = nil
		chunk.SummaryVector = nil
		if err := enc.Encode(line{Kind: "chunk", Chunk: &chunk}); err != nil {
			return fmt.Errorf("encode chunk line: %w", err)
		}
	}

	key := a.objectKey(userID, sessionID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}

	a.logger.Info("session archived",
		"user_id", userID, "session_id", sessionID, "key", key,
		"chunks", len(chunks), "bytes", buf.Len())
	return nil
}

func (a *Archiver) objectKey(userID, sessionID string) string {
	return path.Join(a.prefix, userID, sessionID+".jsonl")
}
