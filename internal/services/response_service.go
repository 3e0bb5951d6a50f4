package services

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SubmissionLedger is the PII-side record of who has answered which survey.
// Duplicate detection goes through it and never through pseudonymized content.
type SubmissionLedger interface {
	PseudonymStore
	// ClaimSubmission atomically creates the (user, survey) marker and
	// returns false when it already existed.
	ClaimSubmission(userID, surveyID int64) (bool, error)
	ReleaseSubmission(userID, surveyID int64) error
	HasSubmitted(userID, surveyID int64) (bool, error)
}

// ResponseWriter is the response-side persistence used by submissions.
type ResponseWriter interface {
	GetSurvey(id int64) (*Survey, error)
	// InsertResponse stores r and, when withReview is set, its unreviewed
	// TextReview in the same atomic step.
	InsertResponse(r *SurveyResponse, withReview bool) (*SurveyResponse, *TextReview, error)
}

var ErrDuplicateResponse = NewConflictError("duplicate_response")

type ResponseService struct {
	ledger     SubmissionLedger
	responses  ResponseWriter
	pseudonyms *PseudonymRegistry
	now        func() time.Time
}

type SubmitResult struct {
	Response *SurveyResponse
	Review   *TextReview
}

func NewResponseService(ledger SubmissionLedger, responses ResponseWriter) *ResponseService {
	return &ResponseService{
		ledger:     ledger,
		responses:  responses,
		pseudonyms: NewPseudonymRegistry(ledger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit stores one response per (user, survey). The marker claim is the
// serialization point: of two racing calls exactly one claims it, the other
// gets a conflict and writes nothing.
func (s *ResponseService) Submit(user *User, surveyID int64, answers map[string]any, rawText map[string]string) (*SubmitResult, error) {
	if user == nil {
		return nil, NewUnauthorizedError("unauthorized")
	}
	if !user.Verified {
		return nil, NewInvalidError("unverified_user")
	}
	sv, err := s.responses.GetSurvey(surveyID)
	if err != nil {
		return nil, err
	}
	if sv == nil {
		return nil, NewNotFoundError("survey_not_found")
	}
	texts, err := validateAnswers(sv, answers, rawText)
	if err != nil {
		return nil, err
	}

	claimed, err := s.ledger.ClaimSubmission(user.ID, surveyID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrDuplicateResponse
	}

	pseudonym, err := s.pseudonyms.GetOrCreate(user)
	if err != nil {
		return nil, s.release(user.ID, surveyID, err)
	}
	resp := &SurveyResponse{
		SurveyID:      surveyID,
		Pseudonym:     pseudonym,
		Answers:       answers,
		RawTextFields: texts,
		CreatedAt:     s.now(),
	}
	stored, review, err := s.responses.InsertResponse(resp, len(texts) > 0)
	if isDuplicate(err) {
		// a response already exists for this pseudonym; the marker stays.
		return nil, ErrDuplicateResponse
	}
	if err != nil {
		return nil, s.release(user.ID, surveyID, err)
	}
	return &SubmitResult{Response: stored, Review: review}, nil
}

func (s *ResponseService) HasAnswered(user *User, surveyID int64) (bool, error) {
	if user == nil {
		return false, NewUnauthorizedError("unauthorized")
	}
	return s.ledger.HasSubmitted(user.ID, surveyID)
}

func (s *ResponseService) release(userID, surveyID int64, cause error) error {
	if err := s.ledger.ReleaseSubmission(userID, surveyID); err != nil {
		return errors.Join(cause, fmt.Errorf("release submission marker: %w", err))
	}
	return cause
}

// validateAnswers checks keys against the schema and returns the non-blank
// free-text fields.
func validateAnswers(sv *Survey, answers map[string]any, rawText map[string]string) (map[string]string, error) {
	types := make(map[string]QuestionType, len(sv.Schema.Questions))
	for _, q := range sv.Schema.Questions {
		types[q.ID] = q.Type
	}
	for key := range answers {
		qt, ok := types[key]
		if !ok {
			return nil, NewInvalidError("unknown question " + key)
		}
		// Free text goes through raw_text_fields so it always gets a review.
		if qt == QuestionShortText || qt == QuestionLongText {
			return nil, NewInvalidError("question " + key + " takes free text in raw_text_fields")
		}
	}
	texts := map[string]string{}
	for key, val := range rawText {
		qt, ok := types[key]
		if !ok {
			return nil, NewInvalidError("unknown question " + key)
		}
		if qt != QuestionShortText && qt != QuestionLongText {
			return nil, NewInvalidError("question " + key + " does not accept free text")
		}
		if strings.TrimSpace(val) == "" {
			continue
		}
		texts[key] = val
	}
	return texts, nil
}
