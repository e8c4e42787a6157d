package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ImageClient implements ImageGenerator against an OpenAI-compatible
// /images/generations endpoint.
type ImageClient struct {
	apiKey     string
	baseURL    string
	model      string
	size       string
	httpClient *http.Client
}

// ImageOption configures the image client.
type ImageOption func(*ImageClient)

// WithImageModel sets the image model name (default: dall-e-3).
func WithImageModel(model string) ImageOption {
	return func(c *ImageClient) { c.model = model }
}

// WithImageSize sets the requested image size, e.g. "1792x1024".
func WithImageSize(size string) ImageOption {
	return func(c *ImageClient) { c.size = size }
}

// WithImageBaseURL overrides the API endpoint.
func WithImageBaseURL(url string) ImageOption {
	return func(c *ImageClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithImageTimeout sets the per-request HTTP timeout. Image generation is
// much slower than chat, so the default is two minutes.
func WithImageTimeout(d time.Duration) ImageOption {
	return func(c *ImageClient) { c.httpClient.Timeout = d }
}

// NewImageClient creates a new image generation client.
func NewImageClient(apiKey string, opts ...ImageOption) *ImageClient {
	c := &ImageClient{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      "dall-e-3",
		size:       "1792x1024",
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// GenerateImage renders prompt and returns the image URL. Providers that
// only return base64 payloads get a data: URL back.
func (c *ImageClient) GenerateImage(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(imageRequest{Model: c.model, Prompt: prompt, N: 1, Size: c.size})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	return withRetry(ctx, "images", func(ctx context.Context) (string, error) {
		return c.doRequest(ctx, body)
	})
}

func (c *ImageClient) doRequest(ctx context.Context, body []byte) (string, error) {
	respBody, err := postJSON(ctx, c.httpClient, c.baseURL+"/images/generations", body, map[string]string{
		"Authorization": "Bearer " + c.apiKey,
	})
	if err != nil {
		return "", err
	}

	var imgResp imageResponse
	if err := json.Unmarshal(respBody, &imgResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if imgResp.Error != nil {
		return "", fmt.Errorf("api error: %s", imgResp.Error.Message)
	}
	if len(imgResp.Data) == 0 {
		return "", fmt.Errorf("no images in response")
	}
	switch d := imgResp.Data[0]; {
	case d.URL != "":
		return d.URL, nil
	case d.B64JSON != "":
		return "data:image/png;base64," + d.B64JSON, nil
	default:
		return "", fmt.Errorf("image has neither url nor b64_json")
	}
}
