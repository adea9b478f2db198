// Package scto pulls survey submissions and feeds them to reconciliation.
package scto

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

// SubmissionDateLayout survey tool timestamp, always UTC
const SubmissionDateLayout = "Jan 2, 2006 3:04:05 PM"

// Submission one wide-format survey row. Values arrive as strings or numbers
// depending on the field type, so the row is kept raw and read by name.
type Submission map[string]interface{}

// Field returns the trimmed string value of name; missing fields are ""
func (s Submission) Field(name string) string {
	v, ok := s[name]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// first non-empty value among names
func (s Submission) first(names ...string) string {
	for _, n := range names {
		if v := s.Field(n); v != "" {
			return v
		}
	}
	return ""
}

func (s Submission) Key() string { return s.Field("KEY") }

func (s Submission) UID() string { return models.NormalizeUID(s.Field("UID")) }

// SubmittedAt parses SubmissionDate as UTC
func (s Submission) SubmittedAt() (time.Time, error) {
	return time.ParseInLocation(SubmissionDateLayout, s.Field("SubmissionDate"), time.UTC)
}

// Attachment tally sheet photo URL
func (s Submission) Attachment() string {
	return s.first("formulir_c1_a4", "foto_jumlah_suara")
}

// Region administrative names selected by the enumerator
func (s Submission) Region() models.Region {
	clean := func(v string) string {
		return strings.NewReplacer("_", " ", "-", " ").Replace(v)
	}
	return models.Region{
		Provinsi:  clean(s.Field("selected_provinsi")),
		KabKota:   clean(s.Field("selected_kabkota")),
		Kecamatan: clean(s.Field("selected_kecamatan")),
		Kelurahan: clean(s.Field("selected_kelurahan")),
	}
}

// FormVotes reads suara_01..suara_0n and suara_rusak. ok is false when any
// of them is missing or not a non-negative integer.
func (s Submission) FormVotes(n int) (votes []int, invalid int, ok bool) {
	votes = make([]int, n)
	for i := 0; i < n; i++ {
		v, ok := count(s.Field(fmt.Sprintf("suara_%02d", i+1)))
		if !ok {
			return nil, 0, false
		}
		votes[i] = v
	}
	invalid, ok = count(s.Field("suara_rusak"))
	if !ok {
		return nil, 0, false
	}
	return votes, invalid, true
}

func count(s string) (int, bool) {
	v, err := strconv.ParseInt(s, 10, models.CountBits)
	if err != nil || v < 0 {
		return 0, false
	}
	return int(v), true
}

// Client survey tool API client
type Client struct {
	httpClient *resty.Client
	server     string
	logger     *zap.Logger
}

// NewClient server is the account subdomain (<server>.surveycto.com)
func NewClient(server, user, password string, timeout time.Duration, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(fmt.Sprintf("https://%s.surveycto.com", server)).
		SetBasicAuth(user, password).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{httpClient: client, server: server, logger: logger}
}

// Submissions returns rows of formID submitted after since
func (c *Client) Submissions(ctx context.Context, formID string, since time.Time) ([]Submission, error) {
	var rows []Submission
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("form", formID).
		SetQueryParam("date", strconv.FormatInt(since.Unix(), 10)).
		SetResult(&rows).
		Get("/api/v2/forms/data/wide/json/{form}")
	if err != nil {
		return nil, fmt.Errorf("fetch submissions %s: %w", formID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch submissions %s: status %d", formID, resp.StatusCode())
	}

	c.logger.Debug("Fetched submissions",
		zap.String("form_id", formID),
		zap.Time("since", since),
		zap.Int("count", len(rows)),
	)
	return rows, nil
}

// SurveyLink viewer URL for a submission key
func (c *Client) SurveyLink(key string) string {
	key = strings.TrimPrefix(key, "uuid:")
	return fmt.Sprintf("https://%s.surveycto.com/view/submission.html?uuid=%s", c.server, url.QueryEscape("uuid:"+key))
}
