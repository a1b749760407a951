package platform

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"
)

type CloudHTTPOptions struct {
	BaseURL    string
	HTTPClient *http.Client
}

// CloudHTTPFactory builds credential-bound case API clients that share one
// base URL and transport.
type CloudHTTPFactory struct {
	opts CloudHTTPOptions
}

func NewCloudHTTPFactory(opts CloudHTTPOptions) *CloudHTTPFactory {
	return &CloudHTTPFactory{opts: opts}
}

func (f *CloudHTTPFactory) ClientFor(cred Credential) CloudClient {
	return &CloudHTTPClient{
		core: newHTTPCore(f.opts.BaseURL, cred.APIID+":"+cred.APIKey, f.opts.HTTPClient),
	}
}

var _ CloudClientFactory = (*CloudHTTPFactory)(nil)

type CloudHTTPClient struct {
	core httpCore
}

func (c *CloudHTTPClient) CreateCase(ctx context.Context, req CaseCreate) (Case, error) {
	body := map[string]any{
		"subject": req.Subject,
		"body":    req.Body,
	}
	var out Case
	if err := c.core.doJSON(ctx, http.MethodPost, "/v1/cases", body, &out, nil); err != nil {
		return Case{}, err
	}
	for _, file := range req.Files {
		if _, err := c.AddAttachment(ctx, out.ID, file); err != nil {
			return out, fmt.Errorf("attach %s to new case %s: %w", file.Name, out.ID, err)
		}
	}
	return out, nil
}

func (c *CloudHTTPClient) AddUpdate(ctx context.Context, caseID, entry string) (CaseUpdate, error) {
	body := map[string]any{"entry": entry}
	var out CaseUpdate
	err := c.core.doJSON(ctx, http.MethodPost, "/v1/cases/"+url.PathEscape(caseID)+"/updates", body, &out, nil)
	return out, err
}

func (c *CloudHTTPClient) AddAttachment(ctx context.Context, caseID string, file OutgoingAttachment) (CaseFile, error) {
	body := map[string]any{
		"name":    file.Name,
		"content": base64.StdEncoding.EncodeToString(file.Data),
	}
	var out CaseFile
	err := c.core.doJSON(ctx, http.MethodPost, "/v1/cases/"+url.PathEscape(caseID)+"/attachments", body, &out, nil)
	return out, err
}

func (c *CloudHTTPClient) GetUpdates(ctx context.Context, caseID string) ([]CaseUpdate, error) {
	var out struct {
		Updates []CaseUpdate `json:"updates"`
	}
	if err := c.core.doJSON(ctx, http.MethodGet, "/v1/cases/"+url.PathEscape(caseID)+"/updates", nil, &out, nil); err != nil {
		return nil, err
	}
	sort.SliceStable(out.Updates, func(i, j int) bool {
		return out.Updates[i].CreatedAt.Before(out.Updates[j].CreatedAt)
	})
	return out.Updates, nil
}

func (c *CloudHTTPClient) GetAttachedFiles(ctx context.Context, caseID string) ([]CaseFile, error) {
	var out struct {
		Files []CaseFile `json:"files"`
	}
	if err := c.core.doJSON(ctx, http.MethodGet, "/v1/cases/"+url.PathEscape(caseID)+"/attachments", nil, &out, nil); err != nil {
		return nil, err
	}
	sort.SliceStable(out.Files, func(i, j int) bool {
		return out.Files[i].CreatedAt.Before(out.Files[j].CreatedAt)
	})
	return out.Files, nil
}

func (c *CloudHTTPClient) GetStatus(ctx context.Context, caseID string) (CaseStatus, error) {
	var out struct {
		Status CaseStatus `json:"status"`
	}
	err := c.core.doJSON(ctx, http.MethodGet, "/v1/cases/"+url.PathEscape(caseID)+"/status", nil, &out, nil)
	return out.Status, err
}

func (c *CloudHTTPClient) CloseCase(ctx context.Context, caseID, reason string) error {
	body := map[string]any{"reason": reason}
	return c.core.doJSON(ctx, http.MethodPost, "/v1/cases/"+url.PathEscape(caseID)+"/close", body, nil, nil)
}

func (c *CloudHTTPClient) DownloadFile(ctx context.Context, caseID, fileID string) ([]byte, error) {
	var out struct {
		Content string `json:"content"`
	}
	path := fmt.Sprintf("/v1/cases/%s/attachments/%s", url.PathEscape(caseID), url.PathEscape(fileID))
	if err := c.core.doJSON(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(out.Content)
}

func (c *CloudHTTPClient) ListCasesCreatedAfter(ctx context.Context, brandID string, after time.Time) ([]Case, error) {
	q := url.Values{}
	q.Set("brand_id", brandID)
	q.Set("created_after", after.UTC().Format(time.RFC3339))
	var out struct {
		Cases []Case `json:"cases"`
	}
	if err := c.core.doJSON(ctx, http.MethodGet, "/v1/cases?"+q.Encode(), nil, &out, nil); err != nil {
		return nil, err
	}
	sort.SliceStable(out.Cases, func(i, j int) bool {
		return out.Cases[i].CreatedAt.Before(out.Cases[j].CreatedAt)
	})
	return out.Cases, nil
}

var _ CloudClient = (*CloudHTTPClient)(nil)
