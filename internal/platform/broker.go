package platform

import "context"

// BrokerUser is one identity known to the account broker: an email with a
// cloud credential, owned by a customer.
type BrokerUser struct {
	UserID     string     `json:"user_id"`
	Email      string     `json:"email"`
	CustomerID string     `json:"customer_id"`
	Role       string     `json:"role"` // "user" or "master"
	Credential Credential `json:"credential"`
}

func (u BrokerUser) Master() bool {
	return u.Role == "master"
}

type BrokerCustomer struct {
	CustomerID   string `json:"customer_id"`
	MasterUserID string `json:"master_user_id"`
}

// BrokerAccount is one cloud account as enumerated by the broker's bulk
// listing: the account, its owning customer, and every user reachable
// through it.
type BrokerAccount struct {
	AccountID string         `json:"account_id"`
	Customer  BrokerCustomer `json:"customer"`
	Users     []BrokerUser   `json:"users"`
}

// BrokerClient resolves reporter identities to cloud credentials.
type BrokerClient interface {
	// ListAccounts enumerates every account reachable by the service
	// identity. Identities only reachable through a master relationship may
	// be missing from this listing; GetCredentialsForEmail covers those.
	ListAccounts(ctx context.Context) ([]BrokerAccount, error)
	GetCredentialsForEmail(ctx context.Context, email string) ([]BrokerUser, error)
	GetMasterForCustomer(ctx context.Context, customerID string) (BrokerUser, error)
}
