package api

import (
	"time"

	"github.com/soaringjerry/Hubben/internal/services"
	"github.com/soaringjerry/Hubben/internal/store"
)

// Services is the set of domain services the router serves.
type Services struct {
	Auth        *services.AuthService
	Consents    *services.ConsentService
	Surveys     *services.SurveyService
	Responses   *services.ResponseService
	Aggregation *services.AggregationService
	Reports     *services.ReportService
	Moderation  *services.ModerationService
	Publishing  *services.PublishingService
}

type Options struct {
	ConsentVersion     string
	TokenTTL           time.Duration
	PublicTextStatuses []services.ReviewStatus
	DefaultKommun      string
}

// NewServices wires every service against the two stores. Nothing on the
// response side is handed the PII store except as an audit sink.
func NewServices(pii store.PII, data store.Responses, limiter services.RateLimiter, signer services.TokenSigner, opts Options) *Services {
	auth := services.NewAuthService(pii, limiter, signer)
	auth.SetConsentVersion(opts.ConsentVersion)
	auth.SetTokenTTL(opts.TokenTTL)

	moderation := services.NewModerationService(data, pii, opts.PublicTextStatuses)
	publishing := services.NewPublishingService(data, pii, moderation, pii)
	publishing.SetDefaultKommun(opts.DefaultKommun)

	return &Services{
		Auth:        auth,
		Consents:    services.NewConsentService(pii),
		Surveys:     services.NewSurveyService(data, pii),
		Responses:   services.NewResponseService(pii, data),
		Aggregation: services.NewAggregationService(data),
		Reports:     services.NewReportService(data),
		Moderation:  moderation,
		Publishing:  publishing,
	}
}
