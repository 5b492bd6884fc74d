// Package remote implements the JSON-over-HTTP client for the
// content-addressed photo server.
//
// The client is a thin, stateless wrapper around the wire API. It holds
// no retry, batching, or caching logic; those concerns live in the
// upload pipeline. A single Client is safe for concurrent use from all
// pipeline goroutines.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ChecksumHeader carries the client-computed content hash on uploads so
// the server can reject corrupt transfers.
const ChecksumHeader = "X-Asset-Checksum"

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned http %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned http %d: %s", e.StatusCode, e.Message)
}

// Stats summarizes the remote store.
type Stats struct {
	Photos    int   `json:"photos"`
	Videos    int   `json:"videos"`
	UsageByte int64 `json:"usage"`
}

// BulkCheckItem is one entry of a bulk checksum query.
type BulkCheckItem struct {
	ID       string `json:"id"`
	Checksum string `json:"checksum"`
}

// BulkCheckResult is the server's verdict for one checksum.
type BulkCheckResult struct {
	ID      string `json:"id"`
	Action  string `json:"action"` // "accept" or "reject"
	Reason  string `json:"reason,omitempty"`
	AssetID string `json:"assetId,omitempty"`
}

// BulkCheckActionReject with reason "duplicate" means the server already
// holds byte-identical content under AssetID.
const (
	BulkCheckActionAccept = "accept"
	BulkCheckActionReject = "reject"
	BulkCheckReasonDup    = "duplicate"
)

// UploadRequest describes one asset upload.
type UploadRequest struct {
	// Path is the local file whose bytes are uploaded.
	Path string

	// DeviceAssetID is the caller-assigned stable identifier.
	DeviceAssetID string

	Filename   string
	CreatedAt  time.Time
	ModifiedAt time.Time

	// Checksum is the hex content hash, sent in ChecksumHeader.
	// Optional; the server recomputes either way.
	Checksum string

	// Duration is set for videos, as "HH:MM:SS.sss".
	Duration string

	Favorite bool

	// LivePhotoVideoID links a still to its previously uploaded motion
	// video asset.
	LivePhotoVideoID string

	// Metadata is an optional opaque JSON blob attached to the asset.
	Metadata map[string]string
}

// UploadResponse is the server's answer to an upload.
type UploadResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "created" or "duplicate"
}

// Asset is the server-side metadata record for one asset.
type Asset struct {
	ID            string    `json:"id"`
	DeviceAssetID string    `json:"deviceAssetId"`
	DeviceID      string    `json:"deviceId"`
	Filename      string    `json:"originalFileName"`
	Checksum      string    `json:"checksum"`
	CreatedAt     time.Time `json:"fileCreatedAt"`
	ModifiedAt    time.Time `json:"fileModifiedAt"`
	Favorite      bool      `json:"isFavorite"`
}

// AssetUpdate is a partial metadata update.
type AssetUpdate struct {
	Favorite   *bool      `json:"isFavorite,omitempty"`
	CreatedAt  *time.Time `json:"fileCreatedAt,omitempty"`
	ModifiedAt *time.Time `json:"fileModifiedAt,omitempty"`
}

// AlbumInfo describes one remote album.
type AlbumInfo struct {
	ID         string `json:"id"`
	Name       string `json:"albumName"`
	AssetCount int    `json:"assetCount"`
}

// Client talks to one photo server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client. A nil httpClient gets a 60s-timeout default;
// large uploads override the timeout per request through context.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}
}

// Ping verifies connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetStats(ctx)
	return err
}

// GetStats fetches store-wide statistics.
func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.doJSON(ctx, http.MethodGet, "/stats", nil, &out)
	return out, err
}

// CheckExisting asks which of the given device asset ids the store
// already holds for deviceID.
func (c *Client) CheckExisting(ctx context.Context, deviceID string, ids []string) ([]string, error) {
	body := struct {
		DeviceID string   `json:"deviceId"`
		IDs      []string `json:"ids"`
	}{DeviceID: deviceID, IDs: ids}
	var out struct {
		ExistingIDs []string `json:"existingIds"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/exist", body, &out); err != nil {
		return nil, err
	}
	return out.ExistingIDs, nil
}

// BulkCheck asks, per content hash, whether byte-identical content is
// already stored under some id.
func (c *Client) BulkCheck(ctx context.Context, items []BulkCheckItem) ([]BulkCheckResult, error) {
	body := struct {
		Items []BulkCheckItem `json:"items"`
	}{Items: items}
	var out struct {
		Results []BulkCheckResult `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/bulk-check", body, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Upload transfers one asset as multipart/form-data.
func (c *Client) Upload(ctx context.Context, deviceID string, req UploadRequest) (UploadResponse, error) {
	var out UploadResponse

	f, err := os.Open(req.Path)
	if err != nil {
		return out, fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	fields := map[string]string{
		"deviceId":       deviceID,
		"deviceAssetId":  req.DeviceAssetID,
		"fileCreatedAt":  req.CreatedAt.UTC().Format(time.RFC3339),
		"fileModifiedAt": req.ModifiedAt.UTC().Format(time.RFC3339),
		"filename":       req.Filename,
	}
	if req.Duration != "" {
		fields["duration"] = req.Duration
	}
	if req.Favorite {
		fields["isFavorite"] = "true"
	}
	if req.LivePhotoVideoID != "" {
		fields["livePhotoVideoId"] = req.LivePhotoVideoID
	}
	if len(req.Metadata) > 0 {
		meta, merr := json.Marshal(req.Metadata)
		if merr != nil {
			return out, fmt.Errorf("marshal metadata: %w", merr)
		}
		fields["metadata"] = string(meta)
	}

	// The body streams through a pipe so the file is never buffered in
	// memory; the writer goroutine's error surfaces through the reader.
	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		err := writeUploadBody(w, fields, req.Filename, f)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assets", pr)
	if err != nil {
		pr.CloseWithError(err)
		return out, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	if req.Checksum != "" {
		httpReq.Header.Set(ChecksumHeader, req.Checksum)
	}
	c.auth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return out, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode upload response: %w", err)
	}
	return out, nil
}

func writeUploadBody(w *multipart.Writer, fields map[string]string, filename string, f *os.File) error {
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("write multipart field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile("assetData", filepath.Base(filename))
	if err != nil {
		return fmt.Errorf("create multipart file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy upload bytes: %w", err)
	}
	return nil
}

// GetAsset fetches one asset's metadata. The id may be the remote asset
// id or, with deviceID set, a device asset id to resolve.
func (c *Client) GetAsset(ctx context.Context, id, deviceID string) (Asset, error) {
	path := "/assets/" + url.PathEscape(id)
	if deviceID != "" {
		path += "?deviceId=" + url.QueryEscape(deviceID)
	}
	var out Asset
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// UpdateAsset applies a partial metadata update.
func (c *Client) UpdateAsset(ctx context.Context, id string, upd AssetUpdate) error {
	return c.doJSON(ctx, http.MethodPut, "/assets/"+url.PathEscape(id), upd, nil)
}

// DeleteAssets removes assets by remote id.
func (c *Client) DeleteAssets(ctx context.Context, ids []string) error {
	body := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}
	return c.doJSON(ctx, http.MethodDelete, "/assets", body, nil)
}

// ListAlbums fetches all remote albums.
func (c *Client) ListAlbums(ctx context.Context) ([]AlbumInfo, error) {
	var out []AlbumInfo
	err := c.doJSON(ctx, http.MethodGet, "/albums", nil, &out)
	return out, err
}

// CreateAlbum creates an empty album and returns it.
func (c *Client) CreateAlbum(ctx context.Context, name string) (AlbumInfo, error) {
	body := struct {
		Name string `json:"albumName"`
	}{Name: name}
	var out AlbumInfo
	err := c.doJSON(ctx, http.MethodPost, "/albums", body, &out)
	return out, err
}

// AddAlbumAssets adds assets to an album by remote asset id.
func (c *Client) AddAlbumAssets(ctx context.Context, albumID string, assetIDs []string) error {
	body := struct {
		IDs []string `json:"ids"`
	}{IDs: assetIDs}
	return c.doJSON(ctx, http.MethodPut, "/albums/"+url.PathEscape(albumID)+"/assets", body, nil)
}

// doJSON performs one request with a JSON body and decodes a JSON
// response into out (skipped when out is nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
	}
}
