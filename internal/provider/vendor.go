package provider

import "strings"

// VendorProfile matches the vendor API: responses wrapped in data/envelope,
// recipients instead of signers, emailAddress, and snake_case timestamps.
var VendorProfile = Profile{
	Wrappers:           []string{"data", "envelope"},
	IDFields:           []string{"envelopeId", "id", "envelope_id"},
	StatusFields:       []string{"state", "status"},
	ReferenceFields:    []string{"envelopeReference", "reference", "externalReference"},
	SignerCollections:  []string{"recipients", "signers"},
	CompletedFields:    []string{"completedRecipients", "completed"},
	EmailFields:        []string{"emailAddress", "email", "address"},
	NameFields:         []string{"fullName", "name"},
	SigningURLFields:   []string{"signingLink", "signing_url", "signingUrl"},
	SignerStatusFields: []string{"state", "status"},
	CompletedAtFields:  []string{"signed_at", "completed_at", "signedAt", "completedAt"},
	CertificateFields:  []string{"certificate", "auditCertificate", "content"},
}

// NewVendorClient returns the vendor-flavored client.
func NewVendorClient(cfg HTTPConfig) (*Client, error) {
	if cfg.Name == "" {
		cfg.Name = "vendor"
	}
	return newClient(cfg, VendorProfile, vendorCreateBody)
}

type vendorRecipient struct {
	FullName     string `json:"fullName"`
	EmailAddress string `json:"emailAddress"`
	RoutingOrder int    `json:"routingOrder"`
	Role         string `json:"role"`
}

type vendorDocument struct {
	ExternalID string `json:"externalId"`
}

type vendorCreateRequest struct {
	ExternalReference string            `json:"externalReference"`
	Documents         []vendorDocument  `json:"documents"`
	Recipients        []vendorRecipient `json:"recipients"`
	Status            string            `json:"status"`
}

func vendorCreateBody(jobID, documentID string, signers []SignerInput) any {
	req := vendorCreateRequest{
		ExternalReference: jobID,
		Documents:         []vendorDocument{{ExternalID: documentID}},
		Recipients:        make([]vendorRecipient, 0, len(signers)),
		Status:            "sent",
	}
	for i, s := range signers {
		req.Recipients = append(req.Recipients, vendorRecipient{
			FullName:     strings.TrimSpace(s.Name),
			EmailAddress: s.Email,
			RoutingOrder: i + 1,
			Role:         "signer",
		})
	}
	return req
}
