package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"

	"lanbridge/internal/config"
	"lanbridge/internal/logging"
	"lanbridge/internal/models"
)

const (
	Endpoint = "/api/transfer"

	// Coarse progress milestones reported by SendFile.
	ProgressStarted  = 0.1
	ProgressFinished = 1.0

	maxResponseBytes = 1 << 20
)

// FileReader is the read side of the host file access.
type FileReader interface {
	ReadMetadata(ref string) (models.FileMeta, error)
	ReadBytes(ref string) ([]byte, error)
}

// StatusError reports a non-2xx answer from the peer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transfer failed (%d): %s", e.StatusCode, e.Body)
}

type Client struct {
	http  *http.Client
	files FileReader
	log   logging.Logger
}

func NewClient(cfg config.Config, files FileReader, log logging.Logger) *Client {
	if log == nil {
		log = logging.Discard()
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	tr := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        4,
	}
	return &Client{
		http:  &http.Client{Transport: tr, Timeout: cfg.RequestTimeout},
		files: files,
		log:   log.With("component", "transfer-client"),
	}
}

// SendFile uploads one file to device. onProgress receives 0.1 right before
// the request goes out and 1.0 after a successful answer. Cancelling ctx
// aborts the request; the returned error then matches context.Canceled.
func (c *Client) SendFile(ctx context.Context, device models.Device, fileRef string, onProgress func(float64)) (*models.TransferResponse, error) {
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	meta, err := c.files.ReadMetadata(fileRef)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	data, err := c.files.ReadBytes(fileRef)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	body, contentType, err := buildMultipart(meta, data)
	if err != nil {
		return nil, err
	}

	url := "http://" + net.JoinHostPort(device.IP, strconv.Itoa(device.ServerPort)) + Endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	onProgress(ProgressStarted)
	c.log.Info(ctx, "sending file", "file", meta.DisplayName, "size", meta.SizeBytes, "peer", device.Name, "url", url)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", meta.DisplayName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out models.TransferResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	onProgress(ProgressFinished)
	return &out, nil
}

func buildMultipart(meta models.FileMeta, data []byte) (io.Reader, string, error) {
	metaJSON, err := json.Marshal(models.TransferMetadata{
		FileName: meta.DisplayName,
		FileSize: meta.SizeBytes,
		MimeType: meta.MimeType,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode metadata: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	mh := make(textproto.MIMEHeader)
	mh.Set("Content-Disposition", `form-data; name="metadata"`)
	mh.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(mh)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(metaJSON); err != nil {
		return nil, "", err
	}

	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	fh := make(textproto.MIMEHeader)
	fh.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"name":     "file",
		"filename": meta.DisplayName,
	}))
	fh.Set("Content-Type", mimeType)
	part, err = mw.CreatePart(fh)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
