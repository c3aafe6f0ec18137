package listing

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
)

// XMLNamespace is the namespace of listing pages.
const XMLNamespace = "http://doc.s3.amazonaws.com/2006-03-01"

const rootElement = "ListBucketResult"

// Page is one decoded listing response.
type Page struct {
	// Bucket is the container path the entries belong to.
	Bucket  string
	Prefix  string
	Marker  string
	MaxKeys int
	Entries []object.Stat
	// NextMarker is only meaningful if HasNext is set.
	NextMarker string
	HasNext    bool
}

type listBucketResult struct {
	XMLName     xml.Name
	Name        string     `xml:"Name,omitempty"`
	Prefix      string     `xml:"Prefix"`
	Marker      string     `xml:"Marker"`
	MaxKeys     int        `xml:"MaxKeys"`
	IsTruncated bool       `xml:"IsTruncated"`
	Contents    []contents `xml:"Contents"`
	NextMarker  *string    `xml:"NextMarker"`
}

type contents struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

// EncodePage renders p as the XML body of a listing response. Entry paths must belong
// to p.Bucket.
func EncodePage(p Page) ([]byte, error) {
	result := listBucketResult{
		XMLName:     xml.Name{Space: XMLNamespace, Local: rootElement},
		Name:        strings.TrimPrefix(p.Bucket, "/"),
		Prefix:      p.Prefix,
		Marker:      p.Marker,
		MaxKeys:     p.MaxKeys,
		IsTruncated: p.HasNext,
	}
	for _, e := range p.Entries {
		key := strings.TrimPrefix(e.Path, p.Bucket+"/")
		if key == e.Path {
			return nil, fmt.Errorf("entry %s is not in bucket %s", e.Path, p.Bucket)
		}
		c := contents{
			Key:  key,
			ETag: e.ETag,
			Size: e.Size,
		}
		if !e.Created.IsZero() {
			c.LastModified = e.Created.UTC().Format(http.TimeFormat)
		}
		result.Contents = append(result.Contents, c)
	}
	if p.HasNext {
		marker := p.NextMarker
		result.NextMarker = &marker
	}

	body, err := xml.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal listing page: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// DecodePage parses a listing response body for the container at bucket. Only the
// fields consumed by the lister are validated.
func DecodePage(bucket string, body []byte) (Page, error) {
	var result listBucketResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return Page{}, storageerr.ProtocolFormatf("decode listing page: %s", err)
	}
	if result.XMLName.Local != rootElement {
		return Page{}, storageerr.ProtocolFormatf("unexpected listing root element %s", result.XMLName.Local)
	}

	page := Page{
		Bucket:  bucket,
		Prefix:  result.Prefix,
		Marker:  result.Marker,
		MaxKeys: result.MaxKeys,
		Entries: make([]object.Stat, 0, len(result.Contents)),
	}
	for _, c := range result.Contents {
		if c.Key == "" {
			return Page{}, storageerr.ProtocolFormatf("listing entry without key")
		}
		page.Entries = append(page.Entries, object.Stat{
			Path:    bucket + "/" + c.Key,
			Size:    c.Size,
			ETag:    object.NormalizeETag(c.ETag),
			Created: parseLastModified(c.LastModified),
		})
	}
	if result.NextMarker != nil {
		page.NextMarker = *result.NextMarker
		page.HasNext = true
	}

	return page, nil
}

// parseLastModified is best effort: services differ in the date format they use.
func parseLastModified(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := http.ParseTime(value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}
