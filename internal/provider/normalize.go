package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qazna.org/esign/internal/envelope"
)

var statusVocabulary = map[string]envelope.Status{
	"completed":   envelope.StatusSigned,
	"signed":      envelope.StatusSigned,
	"finished":    envelope.StatusSigned,
	"declined":    envelope.StatusDeclined,
	"voided":      envelope.StatusDeclined,
	"canceled":    envelope.StatusDeclined,
	"cancelled":   envelope.StatusDeclined,
	"rejected":    envelope.StatusDeclined,
	"sent":        envelope.StatusSent,
	"delivered":   envelope.StatusSent,
	"pending":     envelope.StatusSent,
	"created":     envelope.StatusSent,
	"in_progress": envelope.StatusSent,
}

// NormalizeStatus maps a provider status onto the canonical set. Unknown
// values pass through unchanged (trimmed) so new provider states survive.
func NormalizeStatus(raw string) envelope.Status {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if s, ok := statusVocabulary[strings.ToLower(raw)]; ok {
		return s
	}
	return envelope.Status(raw)
}

// Profile lists the field aliases a provider uses. Aliases are tried in order.
type Profile struct {
	Wrappers           []string `yaml:"wrappers"`
	IDFields           []string `yaml:"id_fields"`
	StatusFields       []string `yaml:"status_fields"`
	ReferenceFields    []string `yaml:"reference_fields"`
	SignerCollections  []string `yaml:"signer_collections"`
	CompletedFields    []string `yaml:"completed_fields"`
	EmailFields        []string `yaml:"email_fields"`
	NameFields         []string `yaml:"name_fields"`
	SigningURLFields   []string `yaml:"signing_url_fields"`
	SignerStatusFields []string `yaml:"signer_status_fields"`
	CompletedAtFields  []string `yaml:"completed_at_fields"`
	CertificateFields  []string `yaml:"certificate_fields"`
}

// DefaultProfile covers the generic provider API.
var DefaultProfile = Profile{
	Wrappers:           []string{"data", "envelope"},
	IDFields:           []string{"envelopeId", "id", "envelope_id"},
	StatusFields:       []string{"status", "state"},
	ReferenceFields:    []string{"providerReference", "reference", "provider_reference"},
	SignerCollections:  []string{"signers", "recipients"},
	CompletedFields:    []string{"completed", "completedSigners"},
	EmailFields:        []string{"email", "emailAddress", "address"},
	NameFields:         []string{"name", "fullName"},
	SigningURLFields:   []string{"signingUrl", "signing_url", "url"},
	SignerStatusFields: []string{"status", "state"},
	CompletedAtFields:  []string{"completedAt", "completed_at", "signedAt", "signed_at"},
	CertificateFields:  []string{"certificate", "content", "document"},
}

// Merge returns p with every non-empty list of o replacing p's.
func (p Profile) Merge(o Profile) Profile {
	pick := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = append([]string(nil), src...)
		}
	}
	pick(&p.Wrappers, o.Wrappers)
	pick(&p.IDFields, o.IDFields)
	pick(&p.StatusFields, o.StatusFields)
	pick(&p.ReferenceFields, o.ReferenceFields)
	pick(&p.SignerCollections, o.SignerCollections)
	pick(&p.CompletedFields, o.CompletedFields)
	pick(&p.EmailFields, o.EmailFields)
	pick(&p.NameFields, o.NameFields)
	pick(&p.SigningURLFields, o.SigningURLFields)
	pick(&p.SignerStatusFields, o.SignerStatusFields)
	pick(&p.CompletedAtFields, o.CompletedAtFields)
	pick(&p.CertificateFields, o.CertificateFields)
	return p
}

// Normalize parses a provider envelope document. fallbackID is used when the
// document names no identifier; with neither, ErrMissingEnvelopeID.
func (p Profile) Normalize(raw []byte, fallbackID string) (Envelope, error) {
	root, err := decodeObject(raw)
	if err != nil {
		return Envelope{}, err
	}
	return p.normalizeObject(root, fallbackID)
}

func (p Profile) normalizeObject(root map[string]any, fallbackID string) (Envelope, error) {
	scopes := p.scopes(root)
	id := lookupString(scopes, p.IDFields)
	if id == "" {
		id = strings.TrimSpace(fallbackID)
	}
	if id == "" {
		return Envelope{}, ErrMissingEnvelopeID
	}
	out := Envelope{
		ID:        id,
		Status:    NormalizeStatus(lookupString(scopes, p.StatusFields)),
		Reference: lookupString(scopes, p.ReferenceFields),
	}

	signers, err := p.signers(scopes)
	if err != nil {
		return Envelope{}, err
	}
	out.Signers = signers

	var completed []Completion
	for _, s := range signers {
		if s.Status == envelope.StatusSigned || s.CompletedAt != nil {
			completed = append(completed, Completion{Email: s.Email, CompletedAt: s.CompletedAt})
		}
	}
	explicit, err := p.completions(scopes)
	if err != nil {
		return Envelope{}, err
	}
	out.Completed = MergeCompletions(completed, explicit)
	return out, nil
}

// NormalizeCertificate parses a certificate response. JSON bodies carry the
// certificate under CertificateFields; anything else is the certificate itself.
func (p Profile) NormalizeCertificate(contentType string, raw []byte, envelopeID string) (Certificate, error) {
	trimmed := bytes.TrimSpace(raw)
	isJSON := strings.Contains(strings.ToLower(contentType), "json") ||
		(contentType == "" && len(trimmed) > 0 && trimmed[0] == '{')
	if !isJSON {
		if len(trimmed) == 0 {
			return Certificate{}, ErrMissingCertificate
		}
		return Certificate{EnvelopeID: envelopeID, Content: raw, ContentType: contentType}, nil
	}

	root, err := decodeObject(raw)
	if err != nil {
		return Certificate{}, err
	}
	scopes := p.scopes(root)
	content := lookupString(scopes, p.CertificateFields)
	if content == "" {
		return Certificate{}, ErrMissingCertificate
	}
	env, err := p.normalizeObject(root, envelopeID)
	if err != nil {
		return Certificate{}, err
	}
	return Certificate{
		EnvelopeID:  env.ID,
		Content:     []byte(content),
		ContentType: contentType,
		Completed:   env.Completed,
	}, nil
}

// MergeCompletions concatenates completion lists, keeping one entry per email
// and the first known timestamp.
func MergeCompletions(lists ...[]Completion) []Completion {
	var out []Completion
	index := make(map[string]int)
	for _, list := range lists {
		for _, c := range list {
			email := envelope.NormalizeEmail(c.Email)
			if email == "" {
				continue
			}
			if i, ok := index[email]; ok {
				if out[i].CompletedAt == nil && c.CompletedAt != nil {
					out[i].CompletedAt = c.CompletedAt
				}
				continue
			}
			index[email] = len(out)
			out = append(out, Completion{Email: email, CompletedAt: c.CompletedAt})
		}
	}
	return out
}

func (p Profile) signers(scopes []map[string]any) ([]Signer, error) {
	items, err := lookupArray(scopes, p.SignerCollections)
	if err != nil || items == nil {
		return nil, err
	}
	var out []Signer
	index := make(map[string]int)
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: signer entry is %T", ErrInvalidPayload, item)
		}
		one := []map[string]any{obj}
		email := envelope.NormalizeEmail(lookupString(one, p.EmailFields))
		if email == "" {
			continue
		}
		s := Signer{
			Name:        lookupString(one, p.NameFields),
			Email:       email,
			SigningURL:  lookupString(one, p.SigningURLFields),
			Status:      NormalizeStatus(lookupString(one, p.SignerStatusFields)),
			CompletedAt: lookupTime(one, p.CompletedAtFields),
		}
		if i, ok := index[email]; ok {
			mergeSigner(&out[i], s)
			continue
		}
		index[email] = len(out)
		out = append(out, s)
	}
	return out, nil
}

func (p Profile) completions(scopes []map[string]any) ([]Completion, error) {
	items, err := lookupArray(scopes, p.CompletedFields)
	if err != nil || items == nil {
		return nil, err
	}
	var out []Completion
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, Completion{Email: v})
		case map[string]any:
			one := []map[string]any{v}
			out = append(out, Completion{
				Email:       lookupString(one, p.EmailFields),
				CompletedAt: lookupTime(one, p.CompletedAtFields),
			})
		default:
			return nil, fmt.Errorf("%w: completed entry is %T", ErrInvalidPayload, item)
		}
	}
	return out, nil
}

// scopes returns root followed by every wrapper object reachable from it,
// innermost last. Lookups prefer the innermost scope.
func (p Profile) scopes(root map[string]any) []map[string]any {
	scopes := []map[string]any{root}
	current := root
	for {
		next := nextWrapper(current, p.Wrappers)
		if next == nil || len(scopes) > len(p.Wrappers) {
			break
		}
		scopes = append(scopes, next)
		current = next
	}
	for i, j := 0, len(scopes)-1; i < j; i, j = i+1, j-1 {
		scopes[i], scopes[j] = scopes[j], scopes[i]
	}
	return scopes
}

func nextWrapper(obj map[string]any, wrappers []string) map[string]any {
	for _, key := range wrappers {
		if m, ok := obj[key].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func mergeSigner(dst *Signer, src Signer) {
	if dst.Name == "" {
		dst.Name = src.Name
	}
	if dst.SigningURL == "" {
		dst.SigningURL = src.SigningURL
	}
	if dst.Status == "" {
		dst.Status = src.Status
	}
	if dst.CompletedAt == nil {
		dst.CompletedAt = src.CompletedAt
	}
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected object, got %T", ErrInvalidPayload, v)
	}
	return obj, nil
}

// lookupString returns the first non-empty string (or number) found for
// fields, trying each field across all scopes before the next field.
func lookupString(scopes []map[string]any, fields []string) string {
	for _, field := range fields {
		for _, scope := range scopes {
			switch v := scope[field].(type) {
			case string:
				if s := strings.TrimSpace(v); s != "" {
					return s
				}
			case json.Number:
				return v.String()
			}
		}
	}
	return ""
}

func lookupArray(scopes []map[string]any, fields []string) ([]any, error) {
	for _, field := range fields {
		for _, scope := range scopes {
			v, ok := scope[field]
			if !ok || v == nil {
				continue
			}
			arr, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s is %T", ErrInvalidPayload, field, v)
			}
			return arr, nil
		}
	}
	return nil, nil
}

func lookupTime(scopes []map[string]any, fields []string) *time.Time {
	raw := lookupString(scopes, fields)
	if raw == "" {
		return nil
	}
	return ParseTime(raw)
}

// ParseTime accepts RFC 3339 timestamps and unix seconds. Unparsable values
// yield nil.
func ParseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05Z07:00"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = envelope.Timestamp(t)
			return &t
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		t := envelope.Timestamp(time.Unix(secs, 0))
		return &t
	}
	return nil
}
