package services

import "strings"

const (
	BaseBlockEnabled  = "enabled"
	BaseBlockDisabled = "disabled"

	defaultFeedbackMode        = "section"
	defaultMinResponsesDefault = 5
)

type SurveyStore interface {
	InsertSurvey(sv *Survey) (*Survey, error)
	GetSurvey(id int64) (*Survey, error)
	ListSurveys() ([]*Survey, error)
}

// ProfileStore is the PII-side view used by survey flows.
type ProfileStore interface {
	GetBaseProfile(userID int64) (*BaseProfile, error)
	InsertBaseProfile(p *BaseProfile) (*BaseProfile, error)
	HasSubmitted(userID, surveyID int64) (bool, error)
}

type SurveyService struct {
	surveys  SurveyStore
	profiles ProfileStore
}

type SurveyOptions struct {
	BaseBlockPolicy     string
	FeedbackMode        string
	MinResponsesDefault *int
}

type SurveyStatus struct {
	SurveyID int64 `json:"survey_id"`
	Answered bool  `json:"answered"`
}

type SurveyStart struct {
	SurveyID       int64 `json:"survey_id"`
	NeedsBaseBlock bool  `json:"needs_base_block"`
}

func NewSurveyService(surveys SurveyStore, profiles ProfileStore) *SurveyService {
	return &SurveyService{surveys: surveys, profiles: profiles}
}

func ValidateSchema(schema SurveySchema) error {
	if len(schema.Questions) == 0 {
		return NewInvalidError("empty_schema")
	}
	seen := make(map[string]bool, len(schema.Questions))
	for _, q := range schema.Questions {
		if !allowedQuestionTypes[q.Type] {
			return NewInvalidError("unsupported_question_type")
		}
		id := strings.TrimSpace(q.ID)
		if id == "" {
			return NewInvalidError("question id required")
		}
		if seen[id] {
			return NewInvalidError("duplicate question id " + id)
		}
		seen[id] = true
	}
	return nil
}

func (s *SurveyService) CreateSurvey(actor *User, schema SurveySchema, opts SurveyOptions) (*Survey, error) {
	if err := RequireRole(actor, staffRoles...); err != nil {
		return nil, err
	}
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}
	sv := &Survey{
		Schema:              schema,
		BaseBlockPolicy:     BaseBlockEnabled,
		FeedbackMode:        defaultFeedbackMode,
		MinResponsesDefault: defaultMinResponsesDefault,
	}
	switch opts.BaseBlockPolicy {
	case "":
	case BaseBlockEnabled, BaseBlockDisabled:
		sv.BaseBlockPolicy = opts.BaseBlockPolicy
	default:
		return nil, NewInvalidError("invalid base_block_policy")
	}
	if opts.FeedbackMode != "" {
		sv.FeedbackMode = opts.FeedbackMode
	}
	if opts.MinResponsesDefault != nil {
		if *opts.MinResponsesDefault < 0 {
			return nil, NewInvalidError("min_responses_default must be >= 0")
		}
		sv.MinResponsesDefault = *opts.MinResponsesDefault
	}
	return s.surveys.InsertSurvey(sv)
}

func (s *SurveyService) GetSurvey(id int64) (*Survey, error) {
	sv, err := s.surveys.GetSurvey(id)
	if err != nil {
		return nil, err
	}
	if sv == nil {
		return nil, NewNotFoundError("survey_not_found")
	}
	return sv, nil
}

func (s *SurveyService) ListSurveys() ([]*Survey, error) {
	return s.surveys.ListSurveys()
}

// ListStatus reports per survey whether user has answered, using the PII-side marker.
func (s *SurveyService) ListStatus(user *User) ([]SurveyStatus, error) {
	if user == nil {
		return nil, NewUnauthorizedError("unauthorized")
	}
	list, err := s.surveys.ListSurveys()
	if err != nil {
		return nil, err
	}
	out := make([]SurveyStatus, 0, len(list))
	for _, sv := range list {
		answered, err := s.profiles.HasSubmitted(user.ID, sv.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, SurveyStatus{SurveyID: sv.ID, Answered: answered})
	}
	return out, nil
}

func (s *SurveyService) StartSurvey(user *User, surveyID int64) (*SurveyStart, error) {
	if user == nil {
		return nil, NewUnauthorizedError("unauthorized")
	}
	sv, err := s.surveys.GetSurvey(surveyID)
	if err != nil {
		return nil, err
	}
	if sv == nil {
		return nil, NewNotFoundError("survey_not_found")
	}
	needs := false
	if sv.BaseBlockPolicy == BaseBlockEnabled {
		p, err := s.profiles.GetBaseProfile(user.ID)
		if err != nil {
			return nil, err
		}
		needs = p == nil
	}
	return &SurveyStart{SurveyID: sv.ID, NeedsBaseBlock: needs}, nil
}

// EnsureBaseProfile creates the user's base profile once; later calls return it unchanged.
func (s *SurveyService) EnsureBaseProfile(user *User, kommun string, categories []string) (*BaseProfile, error) {
	if user == nil {
		return nil, NewUnauthorizedError("unauthorized")
	}
	existing, err := s.profiles.GetBaseProfile(user.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	kommun = strings.TrimSpace(kommun)
	if kommun == "" {
		return nil, NewInvalidError("kommun required")
	}
	if categories == nil {
		categories = []string{}
	}
	p, err := s.profiles.InsertBaseProfile(&BaseProfile{UserID: user.ID, Kommun: kommun, Categories: categories})
	if err == nil {
		return p, nil
	}
	if !isDuplicate(err) {
		return nil, err
	}
	// lost a race with a concurrent first call
	return s.profiles.GetBaseProfile(user.ID)
}
