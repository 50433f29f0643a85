// Package platform talks to the hosted backend's REST surface: PostgREST
// style RPC calls and the storage API.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/service-marketplace/internal/config"
)

// Client is an authenticated HTTP client for one project.  Every request
// carries the key twice, as apikey and as a bearer token.
type Client struct {
	baseURL       string
	storagePrefix string
	key           string
	http          *http.Client
	log           *zap.Logger
}

// New builds a client with the key matching the required privilege.  A
// missing key is a configuration error.
func New(cfg config.PlatformConfig, p config.Privilege, log *zap.Logger) (*Client, error) {
	if err := cfg.Validate(p); err != nil {
		return nil, err
	}
	key, err := cfg.KeyFor(p)
	if err != nil {
		return nil, err
	}
	c := NewWithKey(cfg.ProjectURL, key, cfg.RequestTimeout, log)
	if cfg.StoragePrefix != "" {
		c.storagePrefix = "/" + strings.Trim(cfg.StoragePrefix, "/")
	}
	return c, nil
}

// NewWithKey builds a client from explicit values.
func NewWithKey(baseURL, key string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		storagePrefix: "/storage/v1",
		key:           key,
		http:          &http.Client{Timeout: timeout},
		log:           log,
	}
}

// Error is a non-2xx response.  Code is the database error code when the
// platform reports one (e.g. 42501 for insufficient privilege).
type Error struct {
	Op      string
	Status  int
	Code    string
	Message string
	Hint    string
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: status %d", e.Op, e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, " code %s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Hint != "" {
		b.WriteString(" (hint: " + e.Hint + ")")
	}
	return b.String()
}

// IsPermission reports whether err means the platform refused the change
// for lack of privilege, as opposed to a malformed request or an outage.
func IsPermission(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Status == http.StatusUnauthorized || pe.Status == http.StatusForbidden {
		return true
	}
	if pe.Code == "42501" {
		return true
	}
	msg := strings.ToLower(pe.Message)
	return strings.Contains(msg, "permission denied") || strings.Contains(msg, "must be owner")
}

// IsNotFound reports a 404 from the platform.
func IsNotFound(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Status == http.StatusNotFound
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Hint    string `json:"hint"`
	Details string `json:"details"`
}

func decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &Error{Op: op, Status: resp.StatusCode}
	var body errorBody
	if json.Unmarshal(raw, &body) == nil {
		e.Code = body.Code
		e.Message = body.Message
		if e.Message == "" {
			e.Message = body.Error
		}
		if body.Details != "" && e.Message != body.Details {
			e.Message = strings.TrimSpace(e.Message + " " + body.Details)
		}
		e.Hint = body.Hint
	} else {
		e.Message = strings.TrimSpace(string(raw))
	}
	return e
}

// do sends a request and decodes a JSON response into out when out is not
// nil.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	c.log.Debug("platform call", zap.String("op", op), zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	h := http.Header{}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal: %w", op, err)
		}
		body = bytes.NewReader(b)
		h.Set("Content-Type", "application/json")
	}
	return c.do(ctx, op, method, path, body, h, out)
}

// RPC calls a database function exposed at /rest/v1/rpc/<fn>.  out may be
// nil when the result is not needed.
func (c *Client) RPC(ctx context.Context, fn string, params, out any) error {
	return c.doJSON(ctx, "rpc "+fn, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(fn), params, out)
}

// Bucket mirrors the storage API's bucket object.
type Bucket struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Public           bool     `json:"public"`
	FileSizeLimit    *int64   `json:"file_size_limit"`
	AllowedMimeTypes []string `json:"allowed_mime_types"`
}

// ListBuckets returns every bucket in the project.
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var out []Bucket
	err := c.doJSON(ctx, "list buckets", http.MethodGet, c.storagePrefix+"/bucket", nil, &out)
	return out, err
}

// CreateBucket creates b.  ID defaults to Name.
func (c *Client) CreateBucket(ctx context.Context, b Bucket) error {
	if b.ID == "" {
		b.ID = b.Name
	}
	return c.doJSON(ctx, "create bucket "+b.ID, http.MethodPost, c.storagePrefix+"/bucket", b, nil)
}

// UpdateBucket changes visibility and limits of an existing bucket.
func (c *Client) UpdateBucket(ctx context.Context, b Bucket) error {
	if b.ID == "" {
		b.ID = b.Name
	}
	payload := map[string]any{
		"public":             b.Public,
		"file_size_limit":    b.FileSizeLimit,
		"allowed_mime_types": b.AllowedMimeTypes,
	}
	return c.doJSON(ctx, "update bucket "+b.ID, http.MethodPut, c.storagePrefix+"/bucket/"+url.PathEscape(b.ID), payload, nil)
}

// Upload stores r at bucket/objectPath.  With upsert an existing object is
// overwritten.
func (c *Client) Upload(ctx context.Context, bucket, objectPath, contentType string, r io.Reader, upsert bool) error {
	h := http.Header{}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	if upsert {
		h.Set("x-upsert", "true")
	}
	p := c.storagePrefix + "/object/" + url.PathEscape(bucket) + "/" + escapePath(objectPath)
	return c.do(ctx, "upload "+bucket+"/"+objectPath, http.MethodPost, p, r, h, nil)
}

// RemoveObjects deletes objects from a bucket.
func (c *Client) RemoveObjects(ctx context.Context, bucket string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return c.doJSON(ctx, "remove objects "+bucket, http.MethodDelete,
		c.storagePrefix+"/object/"+url.PathEscape(bucket), map[string][]string{"prefixes": paths}, nil)
}

// PublicURL is the unauthenticated download URL of an object in a public
// bucket.
func (c *Client) PublicURL(bucket, objectPath string) string {
	return c.baseURL + c.storagePrefix + "/object/public/" + url.PathEscape(bucket) + "/" + escapePath(objectPath)
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
