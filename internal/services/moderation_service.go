package services

import (
	"fmt"
	"strings"
	"time"
)

type ModerationStore interface {
	GetResponse(id int64) (*SurveyResponse, error)
	GetTextReview(id int64) (*TextReview, error)
	GetTextReviewByResponse(responseID int64) (*TextReview, error)
	MutateTextReview(id int64, fn func(TextReview) (TextReview, error)) (*TextReview, error)
	// InsertTextFlag appends f and sets flagged_for_review on the response's
	// review in one atomic step. The review status is left alone.
	InsertTextFlag(f *TextFlag) (*TextFlag, error)
	GetTextFlag(id int64) (*TextFlag, error)
	InsertRedactionEvent(e *TextRedactionEvent) (*TextRedactionEvent, error)
	InsertCuratedText(c *CuratedText) (*CuratedText, error)
	ListCuratedTexts(surveyID int64) ([]*CuratedText, error)
}

var resolveOutcomes = map[ReviewStatus]bool{
	ReviewReviewed:  true,
	ReviewHighlight: true,
	ReviewHide:      true,
}

type ModerationService struct {
	store   ModerationStore
	audit   AuditStore
	allowed map[ReviewStatus]bool
	now     func() time.Time
}

// NewModerationService builds the service; a nil publicStatuses uses DefaultPublicTextStatuses.
func NewModerationService(store ModerationStore, audit AuditStore, publicStatuses []ReviewStatus) *ModerationService {
	if publicStatuses == nil {
		publicStatuses = DefaultPublicTextStatuses
	}
	allowed := make(map[ReviewStatus]bool, len(publicStatuses))
	for _, st := range publicStatuses {
		allowed[st] = true
	}
	return &ModerationService{
		store:   store,
		audit:   audit,
		allowed: allowed,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// IsPublic reports whether text under a review in status may be disclosed.
func (s *ModerationService) IsPublic(status ReviewStatus) bool { return s.allowed[status] }

// Flag may be raised by any signed-in party at any time.
func (s *ModerationService) Flag(actor *User, responseID int64, reason string) (*TextFlag, error) {
	if actor == nil {
		return nil, NewUnauthorizedError("unauthorized")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, NewInvalidError("reason required")
	}
	review, err := s.store.GetTextReviewByResponse(responseID)
	if err != nil {
		return nil, err
	}
	if review == nil {
		return nil, NewNotFoundError("text_review_not_found")
	}
	flag, err := s.store.InsertTextFlag(&TextFlag{ResponseID: responseID, Reason: reason, RaisedBy: actor.ID, CreatedAt: s.now()})
	if err != nil {
		return nil, err
	}
	if err := s.record(actor, "text_flag", fmt.Sprintf("response:%d", responseID), reason); err != nil {
		return nil, err
	}
	return flag, nil
}

// Resolve sets the outcome of a review. Approving a flagged review yields
// reviewed_after_flagging so contested approvals stay distinguishable.
func (s *ModerationService) Resolve(actor *User, reviewID int64, outcome ReviewStatus) (*TextReview, error) {
	if err := RequireRole(actor, staffRoles...); err != nil {
		return nil, err
	}
	if !resolveOutcomes[outcome] {
		return nil, NewInvalidError("invalid review outcome")
	}
	at := s.now()
	updated, err := s.store.MutateTextReview(reviewID, func(r TextReview) (TextReview, error) {
		r.Status = outcome
		if outcome == ReviewReviewed && r.FlaggedForReview {
			r.Status = ReviewReviewedAfterFlagging
		}
		r.ReviewedBy = actor.ID
		r.ReviewedAt = at
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, NewNotFoundError("text_review_not_found")
	}
	if err := s.record(actor, "text_review:"+string(updated.Status), fmt.Sprintf("text_review:%d", reviewID), ""); err != nil {
		return nil, err
	}
	return updated, nil
}

// Redact appends a redaction event for flagID. Review status is not touched.
func (s *ModerationService) Redact(curator *User, flagID int64, note string) (*TextRedactionEvent, error) {
	if err := RequireRole(curator, staffRoles...); err != nil {
		return nil, err
	}
	flag, err := s.store.GetTextFlag(flagID)
	if err != nil {
		return nil, err
	}
	if flag == nil {
		return nil, NewNotFoundError("text_flag_not_found")
	}
	ev, err := s.store.InsertRedactionEvent(&TextRedactionEvent{FlagID: flagID, CuratorID: curator.ID, Note: note, CreatedAt: s.now()})
	if err != nil {
		return nil, err
	}
	if err := s.record(curator, "text_redaction", fmt.Sprintf("text_flag:%d", flagID), note); err != nil {
		return nil, err
	}
	return ev, nil
}

// Curate records an excerpt of a response's free text for possible publication.
func (s *ModerationService) Curate(curator *User, responseID int64, text string) (*CuratedText, error) {
	if err := RequireRole(curator, staffRoles...); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, NewInvalidError("text required")
	}
	resp, err := s.store.GetResponse(responseID)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, NewNotFoundError("response_not_found")
	}
	ct, err := s.store.InsertCuratedText(&CuratedText{
		ResponseID: responseID,
		SurveyID:   resp.SurveyID,
		CuratorID:  curator.ID,
		Text:       text,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return nil, err
	}
	if err := s.record(curator, "text_curate", fmt.Sprintf("response:%d", responseID), ""); err != nil {
		return nil, err
	}
	return ct, nil
}

// PublicTexts returns the curated excerpts of surveyID whose review is in the allow-list.
func (s *ModerationService) PublicTexts(surveyID int64) ([]string, error) {
	list, err := s.store.ListCuratedTexts(surveyID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, ct := range list {
		review, err := s.store.GetTextReviewByResponse(ct.ResponseID)
		if err != nil {
			return nil, err
		}
		if review == nil || !s.IsPublic(review.Status) {
			continue
		}
		out = append(out, ct.Text)
	}
	return out, nil
}

func (s *ModerationService) record(actor *User, action, target, note string) error {
	return s.audit.AddAudit(&AuditEvent{ActorID: actor.ID, Action: action, Target: target, Note: note, Time: s.now()})
}
