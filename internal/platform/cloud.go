package platform

import (
	"context"
	"time"
)

// Credential is one cloud API identity: the api id doubles as the cloud
// account id the helpdesk ticket references.
type Credential struct {
	APIID  string `json:"api_id"`
	APIKey string `json:"api_key"`
}

func (c Credential) Valid() bool {
	return c.APIID != "" && c.APIKey != ""
}

type CaseStatus string

const (
	CaseOpen     CaseStatus = "open"
	CaseAssigned CaseStatus = "assigned"
	CaseClosed   CaseStatus = "closed"
)

func (s CaseStatus) Closed() bool {
	return s == CaseClosed
}

type Case struct {
	ID            string     `json:"id"`
	Subject       string     `json:"subject"`
	Status        CaseStatus `json:"status"`
	BrandID       string     `json:"brand_id,omitempty"`
	ReporterEmail string     `json:"reporter_email,omitempty"`
	AccountID     string     `json:"account_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// CaseUpdate is one entry of a case's update stream. The first update of a
// case is its opening body.
type CaseUpdate struct {
	ID        string    `json:"id"`
	Entry     string    `json:"entry"`
	CreatedAt time.Time `json:"created_at"`
}

type CaseFile struct {
	ID        string    `json:"id"`
	UpdateID  string    `json:"update_id,omitempty"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type CaseCreate struct {
	Subject string
	Body    string
	Files   []OutgoingAttachment
}

// CloudClient is the Platform B surface for one credential. Update and file
// listings return the full stream; the bridge filters by inline tags rather
// than by a server-side cursor.
type CloudClient interface {
	CreateCase(ctx context.Context, req CaseCreate) (Case, error)
	AddUpdate(ctx context.Context, caseID, entry string) (CaseUpdate, error)
	AddAttachment(ctx context.Context, caseID string, file OutgoingAttachment) (CaseFile, error)
	GetUpdates(ctx context.Context, caseID string) ([]CaseUpdate, error)
	GetAttachedFiles(ctx context.Context, caseID string) ([]CaseFile, error)
	GetStatus(ctx context.Context, caseID string) (CaseStatus, error)
	CloseCase(ctx context.Context, caseID, reason string) error
	DownloadFile(ctx context.Context, caseID, fileID string) ([]byte, error)
	// ListCasesCreatedAfter lists the brand's cases created after the given
	// time, oldest first. Only meaningful on a brand-account client.
	ListCasesCreatedAfter(ctx context.Context, brandID string, after time.Time) ([]Case, error)
}

// CloudClientFactory builds a CloudClient bound to one credential. Case API
// visibility differs between reporter and brand credentials (brand accounts
// see internal attachment notices reporters do not), so the bridge always
// works with reporter credentials during conversation sync.
type CloudClientFactory interface {
	ClientFor(cred Credential) CloudClient
}
