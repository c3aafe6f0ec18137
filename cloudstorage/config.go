package cloudstorage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/rangereader"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
)

// Environment variables read by NewConfigFromEnv.
const (
	APIURLEnv             = "CLOUDSTORAGE_API_URL"
	AccessTokenEnv        = "CLOUDSTORAGE_ACCESS_TOKEN"
	BackendEnv            = "CLOUDSTORAGE_BACKEND"
	DefaultBucketEnv      = "CLOUDSTORAGE_DEFAULT_BUCKET"
	ReadBufferSizeEnv     = "CLOUDSTORAGE_READ_BUFFER_SIZE"
	UploadChunkSizeEnv    = "CLOUDSTORAGE_UPLOAD_CHUNK_SIZE"
	MaxRetriesEnv         = "CLOUDSTORAGE_MAX_RETRIES"
	AWSRegionEnv          = "CLOUDSTORAGE_AWS_REGION"
	AWSAccessKeyIDEnv     = "CLOUDSTORAGE_AWS_ACCESS_KEY_ID"
	AWSSecretAccessKeyEnv = "CLOUDSTORAGE_AWS_SECRET_ACCESS_KEY"
	S3EndpointEnv         = "CLOUDSTORAGE_S3_ENDPOINT"
)

var retryWait = 2 * time.Second

// Backend selects the Transport implementation.
type Backend string

// Supported backends.
const (
	BackendHTTP   Backend = "http"
	BackendS3     Backend = "s3"
	BackendMemory Backend = "memory"
)

// Secret is a string that is not printed in logs.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Config ...
type Config struct {
	Backend     Backend
	APIBaseURL  string
	AccessToken Secret
	// DefaultBucket is prepended to relative object paths.
	DefaultBucket string

	ReadBufferSize  int
	UploadChunkSize int
	// MaxRetries applies to the s3 and memory backends, the http backend retries in its transport.
	MaxRetries      uint

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey Secret
	S3Endpoint         string
}

// DefaultConfig talks to the HTTP service with default buffer sizes.
func DefaultConfig() Config {
	return Config{
		Backend:         BackendHTTP,
		ReadBufferSize:  rangereader.DefaultBufferSize,
		UploadChunkSize: upload.DefaultChunkSize,
		MaxRetries:      3,
	}
}

// NewConfigFromEnv reads the configuration from envRepo. Sizes accept units, e.g. 8MB.
func NewConfigFromEnv(envRepo env.Repository) (Config, error) {
	cfg := DefaultConfig()

	if backend := strings.ToLower(strings.TrimSpace(envRepo.Get(BackendEnv))); backend != "" {
		cfg.Backend = Backend(backend)
	}
	cfg.APIBaseURL = strings.TrimSpace(envRepo.Get(APIURLEnv))
	cfg.AccessToken = Secret(envRepo.Get(AccessTokenEnv))
	cfg.DefaultBucket = strings.Trim(envRepo.Get(DefaultBucketEnv), "/ ")

	var err error
	if cfg.ReadBufferSize, err = parseSize(envRepo, ReadBufferSizeEnv, cfg.ReadBufferSize); err != nil {
		return Config{}, err
	}
	if cfg.UploadChunkSize, err = parseSize(envRepo, UploadChunkSizeEnv, cfg.UploadChunkSize); err != nil {
		return Config{}, err
	}
	if v := envRepo.Get(MaxRetriesEnv); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", MaxRetriesEnv, v, err)
		}
		cfg.MaxRetries = uint(n)
	}

	cfg.AWSRegion = envRepo.Get(AWSRegionEnv)
	cfg.AWSAccessKeyID = envRepo.Get(AWSAccessKeyIDEnv)
	cfg.AWSSecretAccessKey = Secret(envRepo.Get(AWSSecretAccessKeyEnv))
	cfg.S3Endpoint = envRepo.Get(S3EndpointEnv)

	return cfg, cfg.Validate()
}

// Validate checks that the settings required by the backend are present.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.APIBaseURL == "" {
			return fmt.Errorf("%s is not set", APIURLEnv)
		}
	case BackendS3:
		if c.AWSRegion == "" {
			return fmt.Errorf("%s is not set", AWSRegionEnv)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown backend %q, expected one of %s, %s, %s", c.Backend, BackendHTTP, BackendS3, BackendMemory)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size should be positive, got %d", c.ReadBufferSize)
	}
	if c.UploadChunkSize <= 0 {
		return fmt.Errorf("upload chunk size should be positive, got %d", c.UploadChunkSize)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("backend: %s, api: %s, token: %s, default bucket: %s, read buffer: %s, chunk size: %s, retries: %d",
		c.Backend, c.APIBaseURL, c.AccessToken, c.DefaultBucket,
		units.BytesSize(float64(c.ReadBufferSize)), units.BytesSize(float64(c.UploadChunkSize)), c.MaxRetries)
}

func parseSize(envRepo env.Repository, key string, fallback int) (int, error) {
	v := strings.TrimSpace(envRepo.Get(key))
	if v == "" {
		return fallback, nil
	}
	size, err := units.RAMInBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return int(size), nil
}
