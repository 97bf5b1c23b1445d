// Package backend sends one conversation submission to the inference
// endpoint as a multipart form and decodes its JSON reply.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/h2non/filetype"

	"github.com/comigor/chatwidget-go/internal/logger"
)

var (
	ErrNetworkFailure    = errors.New("network failure")
	ErrMalformedResponse = errors.New("malformed response")
)

// maxReplyBytes bounds how much of a reply body is read.
const maxReplyBytes = 4 << 20

// Image is one attachment payload.
type Image struct {
	// Ref is the reference shown in history: a local path or a remote URL.
	Ref  string
	Name string
	Data []byte
}

// ContentType sniffs the MIME type of the payload.
func (i Image) ContentType() string {
	kind, err := filetype.Match(i.Data)
	if err != nil || kind == filetype.Unknown {
		return "application/octet-stream"
	}
	return kind.MIME.Value
}

// IsImage reports whether the payload looks like an image.
func (i Image) IsImage() bool {
	return filetype.IsImage(i.Data)
}

// Request is one outbound submission.
type Request struct {
	Query     string
	Images    []Image
	SessionID string
}

// Reply is the decoded backend answer. Missing fields are left zero.
type Reply struct {
	Message   string   `json:"message"`
	Content   string   `json:"content"`
	Sources   []string `json:"sources"`
	MessageID string   `json:"message_id"`
}

// Text returns the reply text, preferring message over the legacy content field.
func (r Reply) Text() string {
	if r.Message != "" {
		return r.Message
	}
	return r.Content
}

// Client posts submissions to a fixed endpoint.
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient creates a client for endpoint. A zero timeout means no timeout.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Send dispatches req and decodes the reply. Transport errors and non-2xx
// statuses wrap ErrNetworkFailure; undecodable bodies wrap ErrMalformedResponse.
func (c *Client) Send(ctx context.Context, req Request) (Reply, error) {
	body, contentType, err := encode(req)
	if err != nil {
		return Reply{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	logger.L.Debug("dispatching chat request", "endpoint", c.endpoint, "session_id", req.SessionID, "images", len(req.Images))
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Reply{}, fmt.Errorf("%w: HTTP error! status: %d", ErrNetworkFailure, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return Reply{}, fmt.Errorf("%w: reply is not a JSON object", ErrMalformedResponse)
	}
	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return reply, nil
}

func encode(req Request) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("query", req.Query); err != nil {
		return nil, "", err
	}
	for i, img := range req.Images {
		name := img.Name
		if name == "" {
			name = fmt.Sprintf("image-%d", i)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, name))
		h.Set("Content-Type", img.ContentType())
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.WriteField("session_id", req.SessionID); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
