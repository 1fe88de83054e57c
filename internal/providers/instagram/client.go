package instagram

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
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v21.0"
)

// Client sends direct messages through the Instagram Graph API.
type Client struct {
	HTTP       *http.Client
	BaseURL    string
	APIVersion string
}

type SendRequest struct {
	AccessToken       string
	BusinessAccountID string
	RecipientID       string
	Message           string
}

type SendResponse struct {
	RecipientID string      `json:"recipient_id"`
	MessageID   string      `json:"message_id"`
	Error       *GraphError `json:"error,omitempty"`
}

type GraphError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	FBTraceID string `json:"fbtrace_id"`
}

type sendBody struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

// SendDirectMessage returns the decoded response, the HTTP status and the raw body.
// Any non-2xx is an error whose text is the Graph error message when present.
func (c *Client) SendDirectMessage(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	var body sendBody
	body.Recipient.ID = req.RecipientID
	body.Message.Text = req.Message
	b, err := json.Marshal(body)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(req.BusinessAccountID), bytes.NewReader(b))
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var out SendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != nil && out.Error.Message != "" {
			return out, resp.StatusCode, raw, errors.New(out.Error.Message)
		}
		return out, resp.StatusCode, raw, fmt.Errorf("instagram send failed: status %d", resp.StatusCode)
	}
	return out, resp.StatusCode, raw, nil
}

func (c *Client) endpoint(accountID string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	version := strings.Trim(c.APIVersion, "/")
	if version == "" {
		version = DefaultAPIVersion
	}
	return base + "/" + version + "/" + url.PathEscape(accountID) + "/messages"
}
