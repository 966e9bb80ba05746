// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package objstore is a minimal S3-compatible object client used to offload
// tree files to external storage. Requests carry AWS4-HMAC-SHA256
// signatures and go through a retrying HTTP client.
package objstore

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/burrowdb/burrow/errors"
	"github.com/burrowdb/burrow/logger"
	"github.com/hashicorp/go-retryablehttp"
)

// PartSize is the payload size of one file-part object.
const PartSize = 1 << 20

// BlockSize is the header block skipped when a tree file is uploaded in
// parts; the header is only committed after the data parts.
const BlockSize = 8192

// Config holds endpoint and credentials for one object store.
type Config struct {
	// Host is the endpoint host, e.g. "bucket.s3.amazonaws.com".
	Host string

	// Scheme is "https" unless overridden for tests.
	Scheme string

	Region    string
	AccessKey string
	SecretKey string
}

// Client performs signed object operations against one store.
type Client struct {
	cfg  Config
	http *retryablehttp.Client

	// now is swapped in tests for deterministic signatures.
	now func() time.Time
}

// NewClient returns a client for the configured store.
func NewClient(cfg Config, log logger.Logger) *Client {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if log == nil {
		log = logger.NopLogger
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.Logger = log
	return &Client{cfg: cfg, http: rc, now: time.Now}
}

func hmacSHA256(key, input []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(input)
	return h.Sum(nil)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalRequestHash hashes the canonical request per the AWS4 signing
// spec, with host, content hash, and date as the signed headers.
func (c *Client) canonicalRequestHash(method, datetime, object, contentHash string) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s\n", method)
	fmt.Fprintf(&buf, "/%s\n", object)
	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "host:%s\n", c.cfg.Host)
	fmt.Fprintf(&buf, "x-amz-content-sha256:%s\n", contentHash)
	fmt.Fprintf(&buf, "x-amz-date:%s\n", datetime)
	fmt.Fprintf(&buf, "\n")
	fmt.Fprintf(&buf, "host;x-amz-content-sha256;x-amz-date\n")
	buf.WriteString(contentHash)
	return hexSHA256([]byte(buf.String()))
}

// signature derives the request signature: the secret key is folded through
// date, region, service, and terminator, then signs the string-to-sign.
func (c *Client) signature(method, datetime, date, object, contentHash string) string {
	crHash := c.canonicalRequestHash(method, datetime, object, contentHash)

	key := hmacSHA256([]byte("AWS4"+c.cfg.SecretKey), []byte(date))
	key = hmacSHA256(key, []byte(c.cfg.Region))
	key = hmacSHA256(key, []byte("s3"))
	key = hmacSHA256(key, []byte("aws4_request"))

	var buf strings.Builder
	buf.WriteString("AWS4-HMAC-SHA256\n")
	fmt.Fprintf(&buf, "%s\n", datetime)
	fmt.Fprintf(&buf, "%s/%s/s3/aws4_request\n", date, c.cfg.Region)
	buf.WriteString(crHash)
	return hex.EncodeToString(hmacSHA256(key, []byte(buf.String())))
}

func (c *Client) newRequest(method, object string, body []byte) (*retryablehttp.Request, error) {
	t := c.now().UTC()
	date := t.Format("20060102")
	datetime := t.Format("20060102T150405Z")
	contentHash := hexSHA256(body)

	url := fmt.Sprintf("%s://%s/%s", c.cfg.Scheme, c.cfg.Host, object)
	req, err := retryablehttp.NewRequest(method, url, body)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request for %q", method, object)
	}
	req.Header.Set("x-amz-date", datetime)
	req.Header.Set("x-amz-content-sha256", contentHash)
	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s/%s/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=%s",
		c.cfg.AccessKey, date, c.cfg.Region,
		c.signature(method, datetime, date, object, contentHash)))
	if method == http.MethodPut {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return req, nil
}

// GetObject fetches an object's contents.
func (c *Client) GetObject(object string) ([]byte, error) {
	req, err := c.newRequest(http.MethodGet, object, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "getting object %q", object)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading object %q", object)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrIO,
			"could not get object %q: http code = %d, response = %s",
			object, resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// PutObject uploads an object.
func (c *Client) PutObject(object string, data []byte) error {
	req, err := c.newRequest(http.MethodPut, object, data)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "putting object %q", object)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || len(bytes.TrimSpace(body)) != 0 {
		return errors.Newf(errors.ErrIO,
			"could not put object %q: http code = %d, response = %s",
			object, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// PutEmptyDir uploads a zero-length object marking a directory.
func (c *Client) PutEmptyDir(object string) error {
	return c.PutObject(object, nil)
}

// PutFile uploads the whole file as one object.
func (c *Client) PutFile(object, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "reading %q", filename)
	}
	return c.PutObject(object, data)
}

// PutFilePart uploads part partNum of the file, skipping the header block.
// A short or missing part at the tail of the file is not an error.
func (c *Client) PutFilePart(object, filename string, partNum int) (bool, error) {
	data, err := readFilePart(filename, int64(partNum)*PartSize+BlockSize, PartSize)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	return true, c.PutObject(object, data)
}

// GetFilePart downloads an object into part partNum of the file, past the
// header block.
func (c *Client) GetFilePart(object, filename string, partNum int) error {
	data, err := c.GetObject(object)
	if err != nil {
		return err
	}
	return writeFilePart(filename, int64(partNum)*PartSize+BlockSize, data)
}

// PutTreeFile uploads a committed tree file under the given object prefix.
// Data parts go first and the header block last, so a partial upload never
// leaves a header pointing at missing data. Returns the number of data
// parts uploaded.
func (c *Client) PutTreeFile(prefix, filename string) (int, error) {
	if err := c.PutEmptyDir(prefix + "/"); err != nil {
		return 0, err
	}
	parts := 0
	for {
		ok, err := c.PutFilePart(partObject(prefix, parts), filename, parts)
		if err != nil {
			return parts, err
		}
		if !ok {
			break
		}
		parts++
	}
	hdr, err := readFilePart(filename, 0, BlockSize)
	if err != nil {
		return parts, err
	}
	return parts, c.PutObject(prefix+"/header", hdr)
}

// GetTreeFile downloads a tree file uploaded by PutTreeFile, writing the
// header block only after every data part is in place.
func (c *Client) GetTreeFile(prefix, filename string, parts int) error {
	for part := 0; part < parts; part++ {
		if err := c.GetFilePart(partObject(prefix, part), filename, part); err != nil {
			return err
		}
	}
	hdr, err := c.GetObject(prefix + "/header")
	if err != nil {
		return err
	}
	return writeFilePart(filename, 0, hdr)
}

func partObject(prefix string, part int) string {
	return fmt.Sprintf("%s/part.%d", prefix, part)
}

func readFilePart(filename string, offset, maxSize int64) ([]byte, error) {
	f, err := os.Open(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "opening %q", filename)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %q", filename)
	}
	if offset >= st.Size() {
		return nil, nil
	}
	size := st.Size() - offset
	if size > maxSize {
		size = maxSize
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, size), buf); err != nil {
		return nil, errors.Wrapf(err, "reading %q", filename)
	}
	return buf, nil
}

func writeFilePart(filename string, offset int64, data []byte) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return errors.Wrapf(err, "opening %q", filename)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "writing %q", filename)
	}
	return errors.Wrapf(f.Sync(), "syncing %q", filename)
}
