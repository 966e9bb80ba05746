// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory object endpoint that records the headers of the
// last request.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	lastHdr http.Header
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (fs *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.lastHdr = r.Header.Clone()
	name := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodGet:
		data, ok := fs.objects[name]
		if !ok {
			http.Error(w, "no such object", http.StatusNotFound)
			return
		}
		w.Write(data)
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		fs.objects[name] = data
	default:
		http.Error(w, "bad method", http.StatusMethodNotAllowed)
	}
}

func testClient(t *testing.T) (*Client, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	c := NewClient(Config{
		Host:      u.Host,
		Scheme:    "http",
		Region:    "us-east-1",
		AccessKey: "AKIATEST",
		SecretKey: "sekrit",
	}, nil)
	return c, fs
}

func TestPutAndGetObject(t *testing.T) {
	c, fs := testClient(t)

	payload := []byte("tree file bytes")
	require.NoError(t, c.PutObject("data/1/tree", payload))

	got, err := c.GetObject("data/1/tree")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	auth := fs.lastHdr.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth,
		"AWS4-HMAC-SHA256 Credential=AKIATEST/"), auth)
	assert.Contains(t, auth, "/us-east-1/s3/aws4_request")
	assert.Contains(t, auth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date")
	assert.NotEmpty(t, fs.lastHdr.Get("x-amz-date"))
	assert.NotEmpty(t, fs.lastHdr.Get("x-amz-content-sha256"))
}

func TestGetMissingObject(t *testing.T) {
	c, _ := testClient(t)
	_, err := c.GetObject("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http code = 404")
}

func TestPutEmptyDir(t *testing.T) {
	c, fs := testClient(t)
	require.NoError(t, c.PutEmptyDir("data/dir/"))
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Empty(t, fs.objects["data/dir/"])
}

func TestFilePartRoundTrip(t *testing.T) {
	c, _ := testClient(t)
	dir := t.TempDir()

	// A file with a header block followed by two and a half parts.
	src := filepath.Join(dir, "src.tree")
	content := make([]byte, BlockSize+2*PartSize+100)
	for i := range content {
		content[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(src, content, 0o666))

	for part := 0; ; part++ {
		ok, err := c.PutFilePart(objName(part), src, part)
		require.NoError(t, err)
		if !ok {
			assert.Equal(t, 3, part)
			break
		}
	}

	dst := filepath.Join(dir, "dst.tree")
	for part := 0; part < 3; part++ {
		require.NoError(t, c.GetFilePart(objName(part), dst, part))
	}

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	// The header block is not uploaded; everything past it matches.
	assert.Equal(t, content[BlockSize:], got[BlockSize:])
}

func objName(part int) string {
	return "parts/" + string(rune('a'+part))
}

func TestTreeFileRoundTrip(t *testing.T) {
	c, fs := testClient(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "src.tree")
	content := make([]byte, BlockSize+PartSize+500)
	for i := range content {
		content[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(src, content, 0o666))

	parts, err := c.PutTreeFile("trees/x", src)
	require.NoError(t, err)
	assert.Equal(t, 2, parts)

	fs.mu.Lock()
	assert.Len(t, fs.objects["trees/x/header"], BlockSize)
	assert.Empty(t, fs.objects["trees/x/"])
	fs.mu.Unlock()

	dst := filepath.Join(dir, "dst.tree")
	require.NoError(t, c.GetTreeFile("trees/x", dst, parts))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSignatureDeterministic(t *testing.T) {
	c := NewClient(Config{
		Host:      "bucket.example.com",
		Region:    "eu-west-1",
		AccessKey: "AK",
		SecretKey: "SK",
	}, nil)
	c.now = func() time.Time {
		return time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	}
	s1 := c.signature("PUT", "20240301T123000Z", "20240301", "obj", hexSHA256(nil))
	s2 := c.signature("PUT", "20240301T123000Z", "20240301", "obj", hexSHA256(nil))
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 64)

	c2 := NewClient(Config{Host: "bucket.example.com", Region: "eu-west-1",
		AccessKey: "AK", SecretKey: "other"}, nil)
	s3 := c2.signature("PUT", "20240301T123000Z", "20240301", "obj", hexSHA256(nil))
	assert.NotEqual(t, s1, s3)
}
