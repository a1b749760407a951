package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Helpdesk rate headers. Retry-After only appears once the budget is
// exhausted.
const (
	headerRateTotal     = "X-Ratelimit-Total"
	headerRateRemaining = "X-Ratelimit-Remaining"
	headerRateUsed      = "X-Ratelimit-Used-CurrentRequest"
	headerRetryAfter    = "Retry-After"
)

type HelpdeskHTTPOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Gate, when set, is consulted before every call; Observer, when set,
	// receives the rate headers of every response.
	Gate     CallGate
	Observer RateObserver
	PageSize int
}

type HelpdeskHTTPClient struct {
	core     httpCore
	gate     CallGate
	observer RateObserver
	pageSize int
}

func NewHelpdeskHTTPClient(opts HelpdeskHTTPOptions) *HelpdeskHTTPClient {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 30
	}
	return &HelpdeskHTTPClient{
		core:     newHTTPCore(opts.BaseURL, opts.APIKey, opts.HTTPClient),
		gate:     opts.Gate,
		observer: opts.Observer,
		pageSize: pageSize,
	}
}

func (c *HelpdeskHTTPClient) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var out Ticket
	err := c.do(ctx, http.MethodGet, "/api/v2/tickets/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *HelpdeskHTTPClient) UpdateTicket(ctx context.Context, id string, update TicketUpdate) error {
	body := map[string]any{}
	if update.Status != 0 {
		body["status"] = update.Status
	}
	if update.SolveReason != "" {
		body["solve_reason"] = update.SolveReason
	}
	if update.CloudCaseID != "" {
		body["cloud_case_id"] = update.CloudCaseID
	}
	return c.do(ctx, http.MethodPut, "/api/v2/tickets/"+url.PathEscape(id), body, nil)
}

func (c *HelpdeskHTTPClient) CreateTicket(ctx context.Context, req TicketCreate) (Ticket, error) {
	body := map[string]any{
		"subject":          req.Subject,
		"description_html": req.DescriptionHTML,
		"reporter_email":   req.ReporterEmail,
		"cloud_account_id": req.CloudAccountID,
		"cloud_case_id":    req.CloudCaseID,
		"status":           StatusOpen,
		"attachments":      encodeAttachments(req.Attachments),
	}
	var out Ticket
	err := c.do(ctx, http.MethodPost, "/api/v2/tickets", body, &out)
	return out, err
}

func (c *HelpdeskHTTPClient) ListConversations(ctx context.Context, id string, page int) ([]Conversation, bool, error) {
	if page <= 0 {
		page = 1
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.pageSize))
	var out []Conversation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v2/tickets/%s/conversations?%s", url.PathEscape(id), q.Encode()), nil, &out)
	if err != nil {
		return nil, false, err
	}
	return out, len(out) == c.pageSize, nil
}

func (c *HelpdeskHTTPClient) CreateReply(ctx context.Context, id, bodyHTML string, attachments []OutgoingAttachment) (Conversation, error) {
	body := map[string]any{
		"body_html":   bodyHTML,
		"attachments": encodeAttachments(attachments),
	}
	var out Conversation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v2/tickets/%s/reply", url.PathEscape(id)), body, &out)
	return out, err
}

func (c *HelpdeskHTTPClient) CreateNote(ctx context.Context, id, bodyHTML string, private bool) (Conversation, error) {
	body := map[string]any{
		"body_html": bodyHTML,
		"private":   private,
	}
	var out Conversation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v2/tickets/%s/notes", url.PathEscape(id)), body, &out)
	return out, err
}

func (c *HelpdeskHTTPClient) DownloadAttachment(ctx context.Context, fileURL string) ([]byte, error) {
	if c.gate != nil {
		if err := c.gate.Allow(); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.core.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: "attachment download failed"}
	}
	return io.ReadAll(resp.Body)
}

func (c *HelpdeskHTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if c.gate != nil {
		if err := c.gate.Allow(); err != nil {
			return err
		}
	}
	return c.core.doJSON(ctx, method, path, body, out, func(resp *http.Response) {
		if c.observer != nil {
			c.observer.Observe(parseRateHeaders(resp, c.core.baseURL+path))
		}
	})
}

func parseRateHeaders(resp *http.Response, url string) RateInfo {
	info := RateInfo{Total: -1, Remaining: -1, Used: -1, URL: url}
	if v := resp.Header.Get(headerRateTotal); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Total = n
		}
	}
	if v := resp.Header.Get(headerRateRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Remaining = n
		}
	}
	if v := resp.Header.Get(headerRateUsed); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Used = n
		}
	}
	info.RetryAfter = parseRetryAfterSeconds(resp.Header.Get(headerRetryAfter))
	return info
}

func encodeAttachments(attachments []OutgoingAttachment) []map[string]any {
	encoded := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		encoded = append(encoded, map[string]any{
			"name": a.Name,
			"data": a.Data,
		})
	}
	return encoded
}

var _ HelpdeskClient = (*HelpdeskHTTPClient)(nil)
