package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/internal/config"
)

// ErrAnalysis marks failures of the vision service itself (timeouts,
// inference errors). The worker classifies these as skip, never retry.
var ErrAnalysis = errors.New("ai analysis failed")

const tagInstruction = `Return ONLY a JSON object for this image with the shape
{"primary":[{"name":"...","weight":0.9,"subcategories":[{"name":"...","weight":0.8,"attributes":[{"name":"...","weight":0.7}]}]}]}
with at most 2 primary categories, 3 subcategories each and 3-6 attributes each.`

type Analysis struct {
	Description string
	Tags        TagResult
}

// Client talks to the external vision-language service over HTTP. The service
// takes image bytes plus a natural-language instruction and answers free text.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	instr      string
	logger     *logrus.Logger
}

func NewClient(cfg *config.AIConfig, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		timeout:    cfg.Timeout,
		instr:      cfg.Instruction,
		logger:     logger,
	}
}

// Analyze runs the two-call protocol: one call for the description, a second
// for the tag tree. Tag extraction never fails hard; a malformed response
// falls back to keyword tags over the description.
func (c *Client) Analyze(ctx context.Context, imageData []byte) (*Analysis, error) {
	description, err := c.invoke(ctx, imageData, c.instr)
	if err != nil {
		return nil, fmt.Errorf("%w: describe: %v", ErrAnalysis, err)
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("%w: empty description", ErrAnalysis)
	}

	rawTags, err := c.invoke(ctx, imageData, tagInstruction)
	if err != nil {
		// The description call succeeded, so degrade to fallback tags
		// instead of discarding the whole analysis.
		c.logger.WithError(err).Warn("Tag call failed, using fallback tags")
		return &Analysis{
			Description: description,
			Tags:        FallbackTags(description, "tag call failed"),
		}, nil
	}

	return &Analysis{
		Description: description,
		Tags:        ParseTagTree(rawTags, description),
	}, nil
}

func (c *Client) invoke(ctx context.Context, imageData []byte, instruction string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return "", fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.WriteField("instruction", instruction); err != nil {
		return "", fmt.Errorf("failed to write instruction field: %w", err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("model returned status %d: %s", resp.StatusCode, string(respBody))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read model response: %w", err)
	}

	return string(respBody), nil
}
