package store

import "github.com/soaringjerry/Hubben/internal/services"

// PII holds identities, consent, pseudonym mappings, submission markers,
// base profiles and the audit trail. Nothing in it is keyed by pseudonym
// content, and it is never joined with Responses.
type PII interface {
	services.AuthStore
	services.ConsentStore
	services.SubmissionLedger
	GetBaseProfile(userID int64) (*services.BaseProfile, error)
	InsertBaseProfile(p *services.BaseProfile) (*services.BaseProfile, error)
	ListAudit() ([]*services.AuditEvent, error)
}

// Responses holds pseudonymized survey data and everything derived from it.
type Responses interface {
	services.SurveyStore
	services.ResponseWriter
	services.AggregationStore
	services.TemplateStore
	services.ModerationStore
	services.ReportVersionStore
}

var (
	_ services.ProfileStore = PII(nil)
	_ services.AuditStore   = PII(nil)
)
