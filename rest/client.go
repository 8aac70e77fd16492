// Package rest implements the request/response path of the messaging
// contract: history fetch and message send. The live channel is a
// separate concern, see the transport package.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/taskvine/convo/wire"
)

type Client struct {
	base  string
	token string
	hc    *http.Client
}

func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		hc:    &http.Client{Timeout: 15 * time.Second},
	}
}

// History fetches the ordered message log of one conversation,
// ascending by time as the server returns it.
func (c *Client) History(ctx context.Context, conversationID string) ([]*wire.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/messages/"+conversationID, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: history request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rest: history status %d", resp.StatusCode)
	}

	var out []*wire.Message
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("rest: history decode error: %w", err)
	}
	for _, m := range out {
		m.Normalize()
	}
	return out, nil
}

// Send posts one outbound message as a multipart form: `receiverId`,
// plus `text` and/or an `image` file part. The created message comes
// back with the server-assigned id and timestamp.
func (c *Client) Send(ctx context.Context, out *wire.Outbound) (*wire.Message, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("receiverId", out.RecipientID); err != nil {
		return nil, err
	}
	if out.Text != "" {
		if err := w.WriteField("text", out.Text); err != nil {
			return nil, err
		}
	}
	if out.Image != nil {
		name := out.ImageName
		if name == "" {
			name = "image"
		}
		part, err := w.CreateFormFile("image", name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, out.Image); err != nil {
			return nil, fmt.Errorf("rest: image upload error: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/messages", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuth(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: send request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("rest: send status %d", resp.StatusCode)
	}

	var created wire.Message
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("rest: send decode error: %w", err)
	}
	created.Normalize()
	return &created, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
