// Package ocr calls the tally-sheet recognition service.
package ocr

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// readRequest body sent to the recognition service
type readRequest struct {
	AttachmentURL  string `json:"attachment_url"`
	CandidateCount int    `json:"n_candidate"`
	ProcessorID    string `json:"processor_id"`
}

// Reading votes recognised on a tally sheet
type Reading struct {
	Votes   []int `json:"votes"`
	Invalid int   `json:"invalid"`
}

// Client recognition service client. Every call is bounded by the client
// timeout so a slow service cannot hold a worker.
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

func NewClient(url string, timeout time.Duration, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{httpClient: client, logger: logger}
}

// ReadForm recognises n candidate counts plus the invalid count
func (c *Client) ReadForm(ctx context.Context, attachmentURL string, n int, processorID string) (*Reading, error) {
	var out Reading
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(readRequest{AttachmentURL: attachmentURL, CandidateCount: n, ProcessorID: processorID}).
		SetResult(&out).
		Post("/read")
	if err != nil {
		return nil, fmt.Errorf("ocr read: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ocr read: status %d", resp.StatusCode())
	}
	if len(out.Votes) != n {
		return nil, fmt.Errorf("ocr read: got %d votes, want %d", len(out.Votes), n)
	}
	for _, v := range append(out.Votes, out.Invalid) {
		if v < 0 {
			return nil, fmt.Errorf("ocr read: negative count %d", v)
		}
	}
	return &out, nil
}

// ReadFormOrZero degrades to an all-zero reading on any failure
func (c *Client) ReadFormOrZero(ctx context.Context, attachmentURL string, n int, processorID string) Reading {
	r, err := c.ReadForm(ctx, attachmentURL, n, processorID)
	if err != nil {
		c.logger.Warn("OCR failed, using zero votes",
			zap.String("attachment_url", attachmentURL),
			zap.String("processor_id", processorID),
			zap.Error(err),
		)
		return Reading{Votes: make([]int, n)}
	}
	return *r
}
