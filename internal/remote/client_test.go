package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCheckExisting(t *testing.T) {
	var gotBody struct {
		DeviceID string   `json:"deviceId"`
		IDs      []string `json:"ids"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/exist" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "secret" {
			t.Errorf("X-Api-Key = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"existingIds": []string{"a-original"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", nil)
	existing, err := c.CheckExisting(context.Background(), "dev1", []string{"a-original", "b-original"})
	if err != nil {
		t.Fatalf("CheckExisting() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a-original"}, existing); diff != "" {
		t.Errorf("existing ids mismatch (-want +got):\n%s", diff)
	}
	if gotBody.DeviceID != "dev1" || len(gotBody.IDs) != 2 {
		t.Errorf("request body = %+v", gotBody)
	}
}

func TestBulkCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bulk-check" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id": "a", "action": "reject", "reason": "duplicate", "assetId": "asset-9"},
				{"id": "b", "action": "accept"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	results, err := c.BulkCheck(context.Background(), []BulkCheckItem{
		{ID: "a", Checksum: "aa"},
		{ID: "b", Checksum: "bb"},
	})
	if err != nil {
		t.Fatalf("BulkCheck() failed: %v", err)
	}
	want := []BulkCheckResult{
		{ID: "a", Action: BulkCheckActionReject, Reason: BulkCheckReasonDup, AssetID: "asset-9"},
		{ID: "b", Action: BulkCheckActionAccept},
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestUpload_MultipartFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	created := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get(ChecksumHeader); got != "deadbeef" {
			t.Errorf("checksum header = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		form := r.MultipartForm.Value
		for field, want := range map[string]string{
			"deviceId":         "dev1",
			"deviceAssetId":    "a-original",
			"filename":         "a.jpg",
			"fileCreatedAt":    "2024-06-15T10:00:00Z",
			"livePhotoVideoId": "vid-7",
			"isFavorite":       "true",
		} {
			if got := form[field]; len(got) != 1 || got[0] != want {
				t.Errorf("field %s = %v, want %q", field, got, want)
			}
		}
		file, _, err := r.FormFile("assetData")
		if err != nil {
			t.Fatalf("assetData part missing: %v", err)
		}
		file.Close()

		json.NewEncoder(w).Encode(UploadResponse{ID: "asset-1", Status: "created"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	resp, err := c.Upload(context.Background(), "dev1", UploadRequest{
		Path:             path,
		DeviceAssetID:    "a-original",
		Filename:         "a.jpg",
		CreatedAt:        created,
		ModifiedAt:       created,
		Checksum:         "deadbeef",
		Favorite:         true,
		LivePhotoVideoID: "vid-7",
	})
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if resp.ID != "asset-1" || resp.Status != "created" {
		t.Errorf("response = %+v", resp)
	}
}

func TestUpload_StreamsBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.mp4")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A piped body has no Content-Length; the file arrives as a
		// chunked stream rather than a pre-built buffer.
		if r.ContentLength != -1 {
			t.Errorf("ContentLength = %d, want -1 (chunked)", r.ContentLength)
		}
		file, _, err := r.FormFile("assetData")
		if err != nil {
			t.Fatalf("assetData part missing: %v", err)
		}
		n, err := io.Copy(io.Discard, file)
		file.Close()
		if err != nil || n != 1<<20 {
			t.Errorf("read %d bytes, err %v", n, err)
		}
		json.NewEncoder(w).Encode(UploadResponse{ID: "asset-2", Status: "created"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	resp, err := c.Upload(context.Background(), "dev1", UploadRequest{
		Path:          path,
		DeviceAssetID: "big-original",
		Filename:      "big.mp4",
		CreatedAt:     time.Now(),
		ModifiedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}
	if resp.ID != "asset-2" {
		t.Errorf("response = %+v", resp)
	}
}

func TestGetAsset_ResolvesDeviceAssetID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets/a-original" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("deviceId"); got != "dev1" {
			t.Errorf("deviceId query = %q", got)
		}
		json.NewEncoder(w).Encode(Asset{ID: "asset-1", DeviceAssetID: "a-original"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	asset, err := c.GetAsset(context.Background(), "a-original", "dev1")
	if err != nil {
		t.Fatalf("GetAsset() failed: %v", err)
	}
	if asset.ID != "asset-1" {
		t.Errorf("asset = %+v", asset)
	}
}

func TestDeleteAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/assets" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.IDs) != 2 {
			t.Errorf("ids = %v", body.IDs)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	if err := c.DeleteAssets(context.Background(), []string{"x", "y"}); err != nil {
		t.Fatalf("DeleteAssets() failed: %v", err)
	}
}

func TestAlbums(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/albums":
			json.NewEncoder(w).Encode([]AlbumInfo{{ID: "al-1", Name: "Trip", AssetCount: 3}})
		case r.Method == http.MethodPost && r.URL.Path == "/albums":
			var body struct {
				Name string `json:"albumName"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(AlbumInfo{ID: "al-2", Name: body.Name})
		case r.Method == http.MethodPut && r.URL.Path == "/albums/al-2/assets":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	ctx := context.Background()

	albums, err := c.ListAlbums(ctx)
	if err != nil {
		t.Fatalf("ListAlbums() failed: %v", err)
	}
	if len(albums) != 1 || albums[0].Name != "Trip" {
		t.Errorf("albums = %+v", albums)
	}

	created, err := c.CreateAlbum(ctx, "New Album")
	if err != nil {
		t.Fatalf("CreateAlbum() failed: %v", err)
	}
	if created.ID != "al-2" || created.Name != "New Album" {
		t.Errorf("created = %+v", created)
	}

	if err := c.AddAlbumAssets(ctx, "al-2", []string{"asset-1"}); err != nil {
		t.Fatalf("AddAlbumAssets() failed: %v", err)
	}
}

func TestErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "api key required", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "", nil)
	_, err := c.GetStats(context.Background())
	if err == nil {
		t.Fatal("GetStats() succeeded against a 401 server")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %T, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d", httpErr.StatusCode)
	}
	if httpErr.Message != "api key required" {
		t.Errorf("Message = %q", httpErr.Message)
	}
}

func TestNew_TrimsBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" {
			t.Errorf("path = %q, want /stats", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Stats{Photos: 1})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "", nil)
	stats, err := c.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if stats.Photos != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
