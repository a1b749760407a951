package platform

import (
	"context"
	"net/http"
	"net/url"
)

type BrokerHTTPOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

type BrokerHTTPClient struct {
	core httpCore
}

func NewBrokerHTTPClient(opts BrokerHTTPOptions) *BrokerHTTPClient {
	return &BrokerHTTPClient{core: newHTTPCore(opts.BaseURL, opts.Token, opts.HTTPClient)}
}

func (c *BrokerHTTPClient) ListAccounts(ctx context.Context) ([]BrokerAccount, error) {
	var out struct {
		Accounts []BrokerAccount `json:"accounts"`
	}
	if err := c.core.doJSON(ctx, http.MethodGet, "/v1/accounts", nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

func (c *BrokerHTTPClient) GetCredentialsForEmail(ctx context.Context, email string) ([]BrokerUser, error) {
	q := url.Values{}
	q.Set("email", email)
	var out struct {
		Users []BrokerUser `json:"users"`
	}
	if err := c.core.doJSON(ctx, http.MethodGet, "/v1/users?"+q.Encode(), nil, &out, nil); err != nil {
		return nil, err
	}
	return out.Users, nil
}

func (c *BrokerHTTPClient) GetMasterForCustomer(ctx context.Context, customerID string) (BrokerUser, error) {
	var out BrokerUser
	err := c.core.doJSON(ctx, http.MethodGet, "/v1/customers/"+url.PathEscape(customerID)+"/master", nil, &out, nil)
	return out, err
}

var _ BrokerClient = (*BrokerHTTPClient)(nil)
