package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	forge "github.com/forgelabs/forge/internal"
	"github.com/forgelabs/forge/internal/adapter"
)

const defaultMimeType = "application/octet-stream"

// uploadFile pushes the image at srcURL through the Files resumable upload
// protocol and returns the hosted URI and mime type: HEAD the source for
// content type and length, start an upload session, then stream the source
// body to the session URL with a finalize command.
func (c *Client) uploadFile(ctx context.Context, srcURL string) (uri, mimeType string, err error) {
	mimeType, length, err := c.probeSource(ctx, srcURL)
	if err != nil {
		return "", "", err
	}

	var body io.Reader
	if length < 0 {
		// Source did not report a length; buffer it so the upload
		// session can declare one.
		data, err := c.fetchSource(ctx, srcURL)
		if err != nil {
			return "", "", err
		}
		length = int64(len(data))
		body = bytes.NewReader(data)
	}

	uploadURL, err := c.startUpload(ctx, mimeType, length)
	if err != nil {
		return "", "", err
	}

	if body == nil {
		resp, err := c.getSource(ctx, srcURL)
		if err != nil {
			return "", "", err
		}
		defer resp.Body.Close()
		body = resp.Body
	}

	return c.finishUpload(ctx, uploadURL, mimeType, length, body)
}

// probeSource issues the HEAD request. A missing content type falls back to
// application/octet-stream; a missing length is reported as -1.
func (c *Client) probeSource(ctx context.Context, srcURL string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, srcURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("gemini: probe image %s: %w: %w", srcURL, err, forge.ErrInvalidRequest)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("gemini: probe image %s: %w", srcURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("gemini: probe image %s: HTTP %d: %w", srcURL, resp.StatusCode, forge.ErrInvalidRequest)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	if semi := strings.IndexByte(mimeType, ';'); semi >= 0 {
		mimeType = strings.TrimSpace(mimeType[:semi])
	}
	return mimeType, resp.ContentLength, nil
}

func (c *Client) getSource(ctx context.Context, srcURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: fetch image %s: %w", srcURL, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: fetch image %s: %w", srcURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("gemini: fetch image %s: HTTP %d: %w", srcURL, resp.StatusCode, forge.ErrInvalidRequest)
	}
	return resp, nil
}

func (c *Client) fetchSource(ctx context.Context, srcURL string) ([]byte, error) {
	resp, err := c.getSource(ctx, srcURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: fetch image %s: %w", srcURL, err)
	}
	return data, nil
}

// startUpload opens a resumable upload session and returns the session URL.
func (c *Client) startUpload(ctx context.Context, mimeType string, length int64) (string, error) {
	meta, _ := json.Marshal(map[string]any{
		"file": map[string]any{"display_name": "forge-upload"},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadBase()+"/files", bytes.NewReader(meta))
	if err != nil {
		return "", fmt.Errorf("gemini: start upload: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(length, 10))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: start upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", adapter.ParseAPIError(c.name, resp)
	}
	io.Copy(io.Discard, resp.Body)

	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return "", fmt.Errorf("gemini: start upload: no upload url in response")
	}
	return uploadURL, nil
}

// finishUpload streams the file body to the session URL and finalizes it.
func (c *Client) finishUpload(ctx context.Context, uploadURL, mimeType string, length int64, body io.Reader) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		return "", "", fmt.Errorf("gemini: finalize upload: %w", err)
	}
	req.ContentLength = length
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("X-Goog-Upload-Offset", "0")
	req.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("gemini: finalize upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", adapter.ParseAPIError(c.name, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("gemini: finalize upload: %w", err)
	}
	uri := gjson.GetBytes(data, "file.uri").String()
	if uri == "" {
		return "", "", fmt.Errorf("gemini: finalize upload: no file uri in response")
	}
	if mt := gjson.GetBytes(data, "file.mimeType").String(); mt != "" {
		mimeType = mt
	}
	return uri, mimeType, nil
}

// uploadBase maps the API base URL onto the upload host prefix,
// e.g. .../v1beta -> .../upload/v1beta.
func (c *Client) uploadBase() string {
	if rest, ok := strings.CutSuffix(c.baseURL, "/v1beta"); ok {
		return rest + "/upload/v1beta"
	}
	return c.baseURL + "/upload/v1beta"
}
