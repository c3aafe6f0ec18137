package listing

import (
	"testing"
	"time"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/object"
	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePage(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://doc.s3.amazonaws.com/2006-03-01">
  <Name>bucket</Name>
  <Prefix>foo</Prefix>
  <Marker></Marker>
  <MaxKeys>2</MaxKeys>
  <IsTruncated>true</IsTruncated>
  <Contents>
    <Key>foo1</Key>
    <LastModified>2024-03-01T10:00:00.000Z</LastModified>
    <ETag>"abc"</ETag>
    <Size>12</Size>
  </Contents>
  <Contents>
    <Key>foo2</Key>
    <LastModified>not a date</LastModified>
    <ETag>def</ETag>
    <Size>0</Size>
  </Contents>
  <NextMarker>foo2</NextMarker>
</ListBucketResult>`

	page, err := DecodePage("/bucket", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, Page{
		Bucket:  "/bucket",
		Prefix:  "foo",
		MaxKeys: 2,
		Entries: []object.Stat{
			{Path: "/bucket/foo1", Size: 12, ETag: "abc", Created: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
			{Path: "/bucket/foo2", Size: 0, ETag: "def"},
		},
		NextMarker: "foo2",
		HasNext:    true,
	}, page)
}

func TestDecodePage_LastPage(t *testing.T) {
	body := `<ListBucketResult xmlns="http://doc.s3.amazonaws.com/2006-03-01"><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated></ListBucketResult>`

	page, err := DecodePage("/bucket", []byte(body))
	require.NoError(t, err)
	assert.False(t, page.HasNext)
	assert.Empty(t, page.Entries)
}

func TestDecodePage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not xml", body: "{}"},
		{name: "wrong root", body: `<Error><Code>NoSuchBucket</Code></Error>`},
		{name: "entry without key", body: `<ListBucketResult><Contents><Size>1</Size></Contents></ListBucketResult>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePage("/bucket", []byte(tt.body))
			assert.ErrorIs(t, err, storageerr.ErrProtocolFormat)
		})
	}
}

func TestEncodePage(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	page := Page{
		Bucket:     "/bucket",
		MaxKeys:    1,
		Entries:    []object.Stat{{Path: "/bucket/dir/a", Size: 3, ETag: "abc", Created: created}},
		NextMarker: "dir/a",
		HasNext:    true,
	}

	body, err := EncodePage(page)
	require.NoError(t, err)
	assert.Contains(t, string(body), `<ListBucketResult xmlns="http://doc.s3.amazonaws.com/2006-03-01">`)
	assert.Contains(t, string(body), `<NextMarker>dir/a</NextMarker>`)

	decoded, err := DecodePage("/bucket", body)
	require.NoError(t, err)
	assert.Equal(t, page, decoded)

	page.HasNext = false
	body, err = EncodePage(page)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "NextMarker")

	_, err = EncodePage(Page{Bucket: "/bucket", Entries: []object.Stat{{Path: "/other/a"}}})
	assert.Error(t, err)
}
