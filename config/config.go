// Package config reads the scan-upload settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-scanupload/upload/chunk"
	"github.com/bitrise-io/go-scanupload/upload/network"
	"github.com/bitrise-io/go-utils/v2/env"
)

// Backends.
const (
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Config holds every setting of an upload run.
type Config struct {
	APIURL           string        `env:"SCAN_UPLOAD_API_URL"`
	Token            Secret        `env:"SCAN_UPLOAD_TOKEN"`
	ChunkSize        ByteSize      `env:"SCAN_UPLOAD_CHUNK_SIZE"`
	InitiateTimeout  time.Duration `env:"SCAN_UPLOAD_INITIATE_TIMEOUT"`
	ChunkTimeout     time.Duration `env:"SCAN_UPLOAD_CHUNK_TIMEOUT"`
	CompleteTimeout  time.Duration `env:"SCAN_UPLOAD_COMPLETE_TIMEOUT"`
	TransportRetries int           `env:"SCAN_UPLOAD_TRANSPORT_RETRIES"`
	Attempts         uint          `env:"SCAN_UPLOAD_ATTEMPTS"`
	RetryWait        time.Duration `env:"SCAN_UPLOAD_RETRY_WAIT"`
	ReadAhead        int           `env:"SCAN_UPLOAD_READ_AHEAD"`
	Parallel         int           `env:"SCAN_UPLOAD_PARALLEL"`
	Backend          string        `env:"SCAN_UPLOAD_BACKEND,opt[http,s3]"`
	S3Bucket         string        `env:"SCAN_UPLOAD_S3_BUCKET"`
	S3Region         string        `env:"SCAN_UPLOAD_S3_REGION"`
	S3Prefix         string        `env:"SCAN_UPLOAD_S3_PREFIX"`
	AWSAccessKeyID   Secret        `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey     Secret        `env:"AWS_SECRET_ACCESS_KEY"`
	Analytics        bool          `env:"SCAN_UPLOAD_ANALYTICS"`
	Verbose          bool          `env:"SCAN_UPLOAD_VERBOSE"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		ChunkSize:       ByteSize(chunk.DefaultChunkSize),
		InitiateTimeout: network.DefaultInitiateTimeout,
		ChunkTimeout:    network.DefaultChunkTimeout,
		CompleteTimeout: network.DefaultCompleteTimeout,
		Attempts:        1,
		RetryWait:       5 * time.Second,
		ReadAhead:       1,
		Parallel:        1,
		Backend:         BackendHTTP,
	}
}

// Load reads the defaults overridden by the environment. The result is not validated, flags may still
// override it.
func Load(repository env.Repository) (Config, error) {
	cfg := Default()
	if err := Parse(&cfg, repository); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings of the selected backend and the shared limits.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.APIURL == "" {
			return fmt.Errorf("the API URL is not defined (SCAN_UPLOAD_API_URL or --api-url)")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("the S3 bucket is not defined (SCAN_UPLOAD_S3_BUCKET or --s3-bucket)")
		}
		if c.S3Region == "" {
			return fmt.Errorf("the S3 region is not defined (SCAN_UPLOAD_S3_REGION or --s3-region)")
		}
		if c.ChunkSize < 5*1024*1024 {
			return fmt.Errorf("chunk size must be at least 5MiB for the S3 backend, got %s", c.ChunkSize)
		}
	default:
		return fmt.Errorf("unknown backend: %q", c.Backend)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.Attempts < 1 {
		return fmt.Errorf("attempts must be at least 1")
	}
	if c.TransportRetries < 0 {
		return fmt.Errorf("transport retries must not be negative, got %d", c.TransportRetries)
	}
	if c.ReadAhead < 0 {
		return fmt.Errorf("read-ahead must not be negative, got %d", c.ReadAhead)
	}
	if c.Parallel < 1 {
		return fmt.Errorf("parallel uploads must be at least 1, got %d", c.Parallel)
	}
	for name, timeout := range map[string]time.Duration{
		"initiate": c.InitiateTimeout,
		"chunk":    c.ChunkTimeout,
		"complete": c.CompleteTimeout,
	} {
		if timeout <= 0 {
			return fmt.Errorf("%s timeout must be positive, got %s", name, timeout)
		}
	}
	return nil
}

// ClientConfig returns the settings of the HTTP session client.
func (c Config) ClientConfig() network.ClientConfig {
	return network.ClientConfig{
		BaseURL:         c.APIURL,
		Token:           c.Token.Value(),
		InitiateTimeout: c.InitiateTimeout,
		ChunkTimeout:    c.ChunkTimeout,
		CompleteTimeout: c.CompleteTimeout,
		RetryMax:        c.TransportRetries,
	}
}

// S3Config returns the settings of the S3 session.
func (c Config) S3Config() network.S3Config {
	return network.S3Config{
		Bucket:          c.S3Bucket,
		Region:          c.S3Region,
		Prefix:          c.S3Prefix,
		AccessKeyID:     c.AWSAccessKeyID.Value(),
		SecretAccessKey: c.AWSSecretKey.Value(),
		InitiateTimeout: c.InitiateTimeout,
		ChunkTimeout:    c.ChunkTimeout,
		CompleteTimeout: c.CompleteTimeout,
	}
}
