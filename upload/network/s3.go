package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3Config ...
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	InitiateTimeout time.Duration
	ChunkTimeout    time.Duration
	CompleteTimeout time.Duration
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

type multipartUpload struct {
	key         string
	totalChunks int
	parts       []types.CompletedPart
}

// S3Session implements Session on top of an S3 multipart upload: every chunk becomes one part.
// S3 requires every part but the last to be at least 5 MiB.
type S3Session struct {
	client s3API
	bucket string
	prefix string
	logger log.Logger

	initiateTimeout time.Duration
	chunkTimeout    time.Duration
	completeTimeout time.Duration

	mu      sync.Mutex
	uploads map[string]*multipartUpload
}

type s3CompleteResult struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Location string `json:"location,omitempty"`
	ETag     string `json:"etag,omitempty"`
}

// NewS3Session ...
func NewS3Session(ctx context.Context, cfg S3Config, logger log.Logger) (*S3Session, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	awsCfg, err := loadAWSCredentials(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	session := newS3Session(s3.NewFromConfig(*awsCfg), cfg.Bucket, cfg.Prefix, logger)
	if cfg.InitiateTimeout > 0 {
		session.initiateTimeout = cfg.InitiateTimeout
	}
	if cfg.ChunkTimeout > 0 {
		session.chunkTimeout = cfg.ChunkTimeout
	}
	if cfg.CompleteTimeout > 0 {
		session.completeTimeout = cfg.CompleteTimeout
	}
	return session, nil
}

func newS3Session(client s3API, bucket, prefix string, logger log.Logger) *S3Session {
	return &S3Session{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		logger:  logger,
		uploads: map[string]*multipartUpload{},

		initiateTimeout: DefaultInitiateTimeout,
		chunkTimeout:    DefaultChunkTimeout,
		completeTimeout: DefaultCompleteTimeout,
	}
}

// Initiate ...
func (s *S3Session) Initiate(ctx context.Context, request InitiateRequest) (string, error) {
	key, err := s.objectKey(request)
	if err != nil {
		return "", &APIError{Op: OpInitiate, Code: "InvalidRequest", Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, s.initiateTimeout)
	defer cancel()

	s.logger.Debugf("Creating multipart upload for s3://%s/%s", s.bucket, key)
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Metadata: map[string]string{
			"file-hash":    request.FileHash,
			"file-size":    strconv.FormatInt(request.FileSizeBytes, 10),
			"total-chunks": strconv.Itoa(request.TotalChunks),
		},
	})
	if err != nil {
		return "", classifyS3Error(OpInitiate, err)
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return "", &APIError{Op: OpInitiate, Message: "no upload id returned"}
	}

	s.mu.Lock()
	s.uploads[*out.UploadId] = &multipartUpload{key: key, totalChunks: request.TotalChunks}
	s.mu.Unlock()

	return *out.UploadId, nil
}

// SendChunk uploads the chunk as part index+1.
func (s *S3Session) SendChunk(ctx context.Context, sessionID string, index int, payload []byte) error {
	upload, err := s.upload(OpChunk, sessionID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.chunkTimeout)
	defer cancel()

	etag, err := s.uploadPart(ctx, sessionID, upload.key, int32(index+1), payload)
	if err != nil {
		s.discard(sessionID, upload.key)
		return err
	}

	s.mu.Lock()
	upload.parts = append(upload.parts, types.CompletedPart{
		ETag:       etag,
		PartNumber: aws.Int32(int32(index + 1)),
	})
	s.mu.Unlock()

	return nil
}

// Complete ...
func (s *S3Session) Complete(ctx context.Context, sessionID string) (json.RawMessage, error) {
	upload, err := s.upload(OpComplete, sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	parts := append([]types.CompletedPart(nil), upload.parts...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.completeTimeout)
	defer cancel()

	// A multipart upload needs at least one part.
	if len(parts) == 0 {
		etag, err := s.uploadPart(ctx, sessionID, upload.key, 1, nil)
		if err != nil {
			s.discard(sessionID, upload.key)
			return nil, err
		}
		parts = append(parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(1)})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(upload.key),
		UploadId:        aws.String(sessionID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.discard(sessionID, upload.key)
		return nil, classifyS3Error(OpComplete, err)
	}

	s.forget(sessionID)

	return json.Marshal(s3CompleteResult{
		Bucket:   s.bucket,
		Key:      upload.key,
		Location: aws.ToString(out.Location),
		ETag:     aws.ToString(out.ETag),
	})
}

// Abort discards the multipart upload. A session that already failed and was discarded is not an error.
func (s *S3Session) Abort(ctx context.Context, sessionID string) error {
	upload, err := s.upload(OpAbort, sessionID)
	if err != nil {
		s.logger.Debugf("Multipart upload %s is already discarded", sessionID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.initiateTimeout)
	defer cancel()

	_, err = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(upload.key),
		UploadId: aws.String(sessionID),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if !errors.As(err, &noSuchUpload) {
			return classifyS3Error(OpAbort, err)
		}
		s.logger.Debugf("Multipart upload %s is already gone", sessionID)
	}

	s.forget(sessionID)
	return nil
}

// discard forgets a failed session and aborts its multipart upload so S3 drops the stored parts.
// The attempt context may already be done, so the abort runs on its own bounded context.
func (s *S3Session) discard(sessionID, key string) {
	s.forget(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), s.initiateTimeout)
	defer cancel()

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(sessionID),
	})
	if err != nil {
		s.logger.Warnf("Failed to abort multipart upload %s: %s", sessionID, err)
	}
}

func (s *S3Session) uploadPart(ctx context.Context, sessionID, key string, partNumber int32, payload []byte) (*string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(sessionID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
	})
	if err != nil {
		return nil, classifyS3Error(OpChunk, err)
	}
	return out.ETag, nil
}

func (s *S3Session) upload(op Op, sessionID string) (*multipartUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.uploads[sessionID]
	if !ok {
		return nil, &APIError{Op: op, Code: "UnknownSession", Message: fmt.Sprintf("unknown session %s", sessionID)}
	}
	return upload, nil
}

func (s *S3Session) forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, sessionID)
}

func (s *S3Session) objectKey(request InitiateRequest) (string, error) {
	if request.FileName == "" {
		return "", fmt.Errorf("file name must not be empty")
	}
	sum, err := base64.StdEncoding.DecodeString(request.FileHash)
	if err != nil {
		return "", fmt.Errorf("decode file hash: %w", err)
	}
	return path.Join(s.prefix, hex.EncodeToString(sum), path.Base(request.FileName)), nil
}

// classifyS3Error turns service responses into *APIError and leaves everything else a transport error.
func classifyS3Error(op Op, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	var smithyErr smithy.APIError
	if !errors.As(err, &smithyErr) {
		return fmt.Errorf("%s: %w", op, err)
	}

	result := &APIError{
		Op:      op,
		Code:    smithyErr.ErrorCode(),
		Message: smithyErr.ErrorMessage(),
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		result.StatusCode = respErr.HTTPStatusCode()
	}
	if result.Message == "" {
		result.Message = result.Code
	}
	return result
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
