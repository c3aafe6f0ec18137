// Package cloudstorage is the entry point of the storage client: it resolves object paths
// and credentials from a Config and hands out readers, upload writers and listers that
// share one Transport.
package cloudstorage

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/listing"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/rangereader"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/s3transport"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/stub"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/upload"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Client ...
type Client struct {
	transport transport.Transport
	config    Config
	logger    log.Logger
	// transportRetries is set when the transport resubmits failed requests on its own.
	transportRetries bool
}

// Option configures NewClientFromConfig.
type Option func(*clientOptions)

type clientOptions struct {
	registerer prometheus.Registerer
	tokens     transport.TokenSource
}

// WithMetrics records every request in collectors registered with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *clientOptions) {
		o.registerer = reg
	}
}

// WithTokenSource overrides the static Config.AccessToken of the HTTP backend.
func WithTokenSource(tokens transport.TokenSource) Option {
	return func(o *clientOptions) {
		o.tokens = tokens
	}
}

// NewClient creates a Client sending every request through t. Config.MaxRetries is
// ignored for a *transport.HTTP, which retries failed requests itself.
func NewClient(t transport.Transport, config Config, logger log.Logger) *Client {
	_, retrying := t.(*transport.HTTP)
	return &Client{
		transport:        t,
		config:           config,
		logger:           logger,
		transportRetries: retrying,
	}
}

// NewClientFromConfig builds the Transport selected by config.Backend.
func NewClientFromConfig(ctx context.Context, config Config, logger log.Logger, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	var t transport.Transport
	switch config.Backend {
	case BackendHTTP:
		tokens := o.tokens
		if tokens == nil {
			tokens = transport.StaticToken(config.AccessToken)
		}
		httpTransport, err := transport.NewHTTP(config.APIBaseURL, tokens, logger)
		if err != nil {
			return nil, err
		}
		t = httpTransport
	case BackendS3:
		s3Transport, err := s3transport.New(ctx, s3transport.Params{
			Region:          config.AWSRegion,
			AccessKeyID:     config.AWSAccessKeyID,
			SecretAccessKey: string(config.AWSSecretAccessKey),
			Endpoint:        config.S3Endpoint,
		}, logger)
		if err != nil {
			return nil, err
		}
		t = s3Transport
	case BackendMemory:
		t = stub.NewService(stub.WithLogger(logger))
	}

	if o.registerer != nil {
		metrics, err := transport.NewMetrics(o.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		t = transport.NewInstrumented(t, metrics)
	}

	logger.Debugf("Storage client config: %s", config)
	client := NewClient(t, config, logger)
	client.transportRetries = config.Backend == BackendHTTP
	return client, nil
}

// NewClientFromEnv reads the Config from envRepo and builds a Client.
func NewClientFromEnv(ctx context.Context, envRepo env.Repository, logger log.Logger, opts ...Option) (*Client, error) {
	config, err := NewConfigFromEnv(envRepo)
	if err != nil {
		return nil, err
	}
	return NewClientFromConfig(ctx, config, logger, opts...)
}

// Config ...
func (c *Client) Config() Config {
	return c.config
}

// Transport ...
func (c *Client) Transport() transport.Transport {
	return c.transport
}

// Resolve turns a path relative to the default bucket into an absolute /bucket/object
// path. Absolute paths are returned as they are.
func (c *Client) Resolve(path string) (string, error) {
	if strings.HasPrefix(path, "/") {
		return path, nil
	}
	if c.config.DefaultBucket == "" {
		return "", fmt.Errorf("relative path %q without a default bucket", path)
	}
	if path == "" {
		return "/" + c.config.DefaultBucket, nil
	}
	return "/" + c.config.DefaultBucket + "/" + path, nil
}

// Open returns a Reader of the object at path.
func (c *Client) Open(ctx context.Context, path string) (*rangereader.Reader, error) {
	resolved, err := c.resolveFile(path)
	if err != nil {
		return nil, err
	}
	return rangereader.Open(ctx, c.transport, resolved, rangereader.Options{
		BufferSize: c.config.ReadBufferSize,
		MaxRetries: c.maxRetries(),
		RetryWait:  retryWait,
		Logger:     c.logger,
	})
}

// NewSession returns an unstarted upload session for the object at path.
func (c *Client) NewSession(path string, opts upload.Options) (*upload.Session, error) {
	resolved, err := c.resolveFile(path)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	return upload.NewSession(c.transport, resolved, opts)
}

// Create returns a Writer that uploads to path. The object exists once the Writer is closed.
func (c *Client) Create(ctx context.Context, path string, opts upload.Options) (*upload.Writer, error) {
	session, err := c.NewSession(path, opts)
	if err != nil {
		return nil, err
	}
	return upload.NewWriter(ctx, session, c.uploadConfig())
}

// Upload uploads every chunk of provider to path.
func (c *Client) Upload(ctx context.Context, path string, provider upload.ChunkProvider, opts upload.Options) (upload.Result, error) {
	session, err := c.NewSession(path, opts)
	if err != nil {
		return upload.Result{}, err
	}
	return session.UploadFrom(ctx, provider, c.uploadConfig())
}

// Stat ...
func (c *Client) Stat(ctx context.Context, path string) (object.Stat, error) {
	resolved, err := c.resolveFile(path)
	if err != nil {
		return object.Stat{}, err
	}
	return object.StatObject(ctx, c.transport, resolved)
}

// Delete ...
func (c *Client) Delete(ctx context.Context, path string) error {
	resolved, err := c.resolveFile(path)
	if err != nil {
		return err
	}
	return object.DeleteObject(ctx, c.transport, resolved)
}

// ListBucket returns a Lister over the container at bucket.
func (c *Client) ListBucket(bucket string, opts listing.Options) (*listing.Lister, error) {
	resolved, err := c.Resolve(bucket)
	if err != nil {
		return nil, err
	}
	if err := object.ValidateBucketPath(resolved); err != nil {
		return nil, err
	}
	return listing.New(c.transport, resolved, opts, c.logger)
}

func (c *Client) resolveFile(path string) (string, error) {
	resolved, err := c.Resolve(path)
	if err != nil {
		return "", err
	}
	if err := object.ValidateFilePath(resolved); err != nil {
		return "", err
	}
	return resolved, nil
}

func (c *Client) uploadConfig() upload.Config {
	config := upload.DefaultConfig()
	config.ChunkSize = c.config.UploadChunkSize
	config.MaxRetryPerChunk = c.maxRetries()
	config.RetryWait = retryWait
	return config
}

// maxRetries is the number of protocol level retries. Retries are not nested on top of
// the HTTP transport's own.
func (c *Client) maxRetries() uint {
	if c.transportRetries {
		return 0
	}
	return c.config.MaxRetries
}
