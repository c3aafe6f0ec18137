package transport

import (
	"context"
	"fmt"

	"github.com/melbahja/got"
)

// DownloadFile downloads the whole object at path to dest using parallel range requests.
func (c *HTTP) DownloadFile(ctx context.Context, path, dest string) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	downloader := got.New()
	downloader.Client = c.StandardClient()

	download := got.NewDownload(ctx, c.URL(path, nil), dest)
	if token != "" {
		download.Header = []got.GotHeader{
			{Key: "Authorization", Value: fmt.Sprintf("Bearer %s", token)},
		}
	}

	c.logger.Debugf("Downloading %s to %s", path, dest)
	if err := downloader.Do(download); err != nil {
		return fmt.Errorf("download %s: %w", path, err)
	}
	return nil
}
