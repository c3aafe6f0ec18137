// Package listing iterates over the objects of a container, one page request at a time.
package listing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/transport"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultPageSize is the largest page the service returns.
const DefaultPageSize = 1000

// Done is returned by Lister.Next when the listing is exhausted.
var Done = errors.New("no more objects in listing")

// Options shape the listing requests. Prefix and the page size are hints for the service,
// the lister does not filter the returned entries again.
type Options struct {
	// Marker is exclusive. Either the object name or its full /bucket/object path.
	Marker string
	Prefix string
	// MaxKeys limits the number of yielded entries. 0 means no limit.
	MaxKeys int
	// PageSize is the requested page size, DefaultPageSize if 0.
	PageSize int
}

// Lister yields the objects of a container in ascending path order. It fetches the next
// page only after the current one is consumed. A Lister is not restartable, but Marker
// returns a position a new Lister can resume from.
type Lister struct {
	transport transport.Transport
	logger    log.Logger

	bucket    string
	prefix    string
	pageSize  int
	remaining int

	fetchMarker string
	lastKey     string
	page        []object.Stat
	exhausted   bool
}

// New creates a Lister over the container at bucket (/bucket). No request is sent until
// the first call to Next.
func New(t transport.Transport, bucket string, opts Options, logger log.Logger) (*Lister, error) {
	if err := object.ValidateBucketPath(bucket); err != nil {
		return nil, err
	}
	if opts.MaxKeys < 0 {
		return nil, fmt.Errorf("max keys should not be negative, got %d", opts.MaxKeys)
	}
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	remaining := -1
	if opts.MaxKeys > 0 {
		remaining = opts.MaxKeys
	}
	marker := strings.TrimPrefix(opts.Marker, bucket+"/")

	if logger == nil {
		logger = log.NewLogger()
	}

	return &Lister{
		transport:   t,
		logger:      logger,
		bucket:      bucket,
		prefix:      opts.Prefix,
		pageSize:    pageSize,
		remaining:   remaining,
		fetchMarker: marker,
		lastKey:     marker,
	}, nil
}

// Next returns the next object, or Done. A failed page request leaves the cursor
// unchanged, so Next can be called again.
func (l *Lister) Next(ctx context.Context) (object.Stat, error) {
	for {
		if l.remaining == 0 {
			return object.Stat{}, Done
		}
		if len(l.page) > 0 {
			stat := l.page[0]
			l.page = l.page[1:]
			l.lastKey = strings.TrimPrefix(stat.Path, l.bucket+"/")
			if l.remaining > 0 {
				l.remaining--
			}
			return stat, nil
		}
		if l.exhausted {
			return object.Stat{}, Done
		}
		if err := l.fetch(ctx); err != nil {
			return object.Stat{}, err
		}
	}
}

// All drains the lister.
func (l *Lister) All(ctx context.Context) ([]object.Stat, error) {
	var stats []object.Stat
	for {
		stat, err := l.Next(ctx)
		if errors.Is(err, Done) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		stats = append(stats, stat)
	}
}

// Marker returns the name of the last yielded object (or the initial marker). Listing
// again from it continues without duplicates or gaps.
func (l *Lister) Marker() string {
	return l.lastKey
}

func (l *Lister) fetch(ctx context.Context) error {
	req := transport.NewRequest(http.MethodGet, l.bucket)
	if l.fetchMarker != "" {
		req.Query.Set("marker", l.fetchMarker)
	}
	if l.prefix != "" {
		req.Query.Set("prefix", l.prefix)
	}
	maxKeys := l.pageSize
	if l.remaining > 0 && l.remaining < maxKeys {
		maxKeys = l.remaining
	}
	req.Query.Set("max-keys", strconv.Itoa(maxKeys))

	l.logger.Debugf("Listing %s (marker=%q, prefix=%q, max-keys=%d)", l.bucket, l.fetchMarker, l.prefix, maxKeys)
	resp, err := l.transport.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("list %s: %w", l.bucket, err)
	}
	if err := storageerr.CheckStatus(resp.StatusCode, resp.Header, resp.Body, http.StatusOK); err != nil {
		return fmt.Errorf("list %s: %w", l.bucket, err)
	}

	page, err := DecodePage(l.bucket, resp.Body)
	if err != nil {
		return fmt.Errorf("list %s: %w", l.bucket, err)
	}
	if page.HasNext {
		if err := l.checkAdvance(page); err != nil {
			return fmt.Errorf("list %s: %w", l.bucket, err)
		}
	}

	l.page = page.Entries
	if page.HasNext {
		l.fetchMarker = page.NextMarker
	} else {
		l.exhausted = true
	}
	return nil
}

// checkAdvance rejects a next marker that would not move the cursor past the keys already
// requested or returned.
func (l *Lister) checkAdvance(page Page) error {
	if page.NextMarker == "" {
		return storageerr.ProtocolFormatf("truncated listing without next marker")
	}
	if page.NextMarker <= l.fetchMarker {
		return storageerr.ProtocolFormatf("listing did not advance past marker %q, next marker %q", l.fetchMarker, page.NextMarker)
	}
	if len(page.Entries) > 0 {
		last := strings.TrimPrefix(page.Entries[len(page.Entries)-1].Path, l.bucket+"/")
		if page.NextMarker < last {
			return storageerr.ProtocolFormatf("next marker %q is before the last listed key %q", page.NextMarker, last)
		}
	}
	return nil
}
