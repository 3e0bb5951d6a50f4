package services

import "time"

type Role string

const (
	RoleParent  Role = "parent"
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleParent, RoleAnalyst, RoleAdmin:
		return true
	}
	return false
}

// User is owned by the PII store only. Nothing on the response side refers to it.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"-"`
	Role      Role      `json:"role"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	Token     string    `json:"token"`
	CSRFToken string    `json:"csrf_token"`
	UserID    int64     `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ConsentStatus string

const (
	ConsentGranted   ConsentStatus = "granted"
	ConsentWithdrawn ConsentStatus = "withdrawn"
)

// ConsentBase is the consent type granted at registration.
const ConsentBase = "base"

type ConsentRecord struct {
	ID        int64         `json:"id"`
	UserID    int64         `json:"user_id"`
	Type      string        `json:"consent_type"`
	Version   string        `json:"version"`
	Status    ConsentStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

type BaseProfile struct {
	ID         int64    `json:"id"`
	UserID     int64    `json:"user_id"`
	Kommun     string   `json:"kommun"`
	Categories []string `json:"categories"`
}

type AuditEvent struct {
	ID           int64     `json:"id"`
	ActorID      int64     `json:"actor_id"`
	TargetUserID int64     `json:"target_user_id,omitempty"`
	Action       string    `json:"action"`
	Target       string    `json:"target,omitempty"`
	Note         string    `json:"note,omitempty"`
	Time         time.Time `json:"time"`
}

type QuestionType string

const (
	QuestionScale        QuestionType = "scale"
	QuestionMultiChoice  QuestionType = "multichoice"
	QuestionSingleChoice QuestionType = "singlechoice"
	QuestionShortText    QuestionType = "short_text"
	QuestionLongText     QuestionType = "long_text"
)

var allowedQuestionTypes = map[QuestionType]bool{
	QuestionScale:        true,
	QuestionMultiChoice:  true,
	QuestionSingleChoice: true,
	QuestionShortText:    true,
	QuestionLongText:     true,
}

type Question struct {
	ID      string       `json:"id"`
	Type    QuestionType `json:"type"`
	Text    string       `json:"text,omitempty"`
	Options []string     `json:"options,omitempty"`
}

type SurveySchema struct {
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

type Survey struct {
	ID                  int64        `json:"id"`
	Schema              SurveySchema `json:"schema"`
	BaseBlockPolicy     string       `json:"base_block_policy"`
	FeedbackMode        string       `json:"feedback_mode"`
	MinResponsesDefault int          `json:"min_responses_default"`
}

// SurveyResponse is keyed by pseudonym. It is never updated after insert.
type SurveyResponse struct {
	ID            int64             `json:"id"`
	SurveyID      int64             `json:"survey_id"`
	Pseudonym     string            `json:"respondent_pseudonym"`
	Answers       map[string]any    `json:"answers"`
	RawTextFields map[string]string `json:"raw_text_fields,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

type Metrics struct {
	Total     int                       `json:"total"`
	Questions map[string]map[string]int `json:"questions,omitempty"`
}

type AggregationSnapshot struct {
	SurveyID        int64     `json:"survey_id"`
	DataVersionHash string    `json:"data_version_hash"`
	Metrics         Metrics   `json:"metrics"`
	MinResponses    int       `json:"min_responses"`
	ComputedAt      time.Time `json:"computed_at"`
}

type BlockCondition struct {
	MinTotal *int `json:"min_total,omitempty"`
}

type ContentBlock struct {
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	Condition *BlockCondition `json:"condition,omitempty"`
}

type ReportTemplate struct {
	ID       int64          `json:"id"`
	SurveyID int64          `json:"survey_id"`
	Blocks   []ContentBlock `json:"blocks"`
}

type Visibility string

const (
	VisibilityInternal Visibility = "internal"
	VisibilityPublic   Visibility = "public"
)

type PublishedState string

const (
	StateDraft     PublishedState = "draft"
	StatePublished PublishedState = "published"
)

// ReportVersion is frozen once published, except for ReplacedBy.
// CanonicalURL "" and ReplacedBy 0 mean unset.
type ReportVersion struct {
	ID             int64          `json:"id"`
	TemplateID     int64          `json:"template_id"`
	Kommun         string         `json:"kommun,omitempty"`
	Visibility     Visibility     `json:"visibility"`
	PublishedState PublishedState `json:"published_state"`
	CanonicalURL   string         `json:"canonical_url,omitempty"`
	ReplacedBy     int64          `json:"replaced_by,omitempty"`
}

type ReviewStatus string

const (
	ReviewUnreviewed            ReviewStatus = "unreviewed"
	ReviewReviewed              ReviewStatus = "reviewed"
	ReviewHighlight             ReviewStatus = "highlight"
	ReviewHide                  ReviewStatus = "hide"
	ReviewReviewedAfterFlagging ReviewStatus = "reviewed_after_flagging"
)

func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewUnreviewed, ReviewReviewed, ReviewHighlight, ReviewHide, ReviewReviewedAfterFlagging:
		return true
	}
	return false
}

// DefaultPublicTextStatuses is the allow-list of review states whose text may be shown publicly.
var DefaultPublicTextStatuses = []ReviewStatus{ReviewUnreviewed, ReviewReviewed, ReviewHighlight}

type TextReview struct {
	ID               int64        `json:"id"`
	ResponseID       int64        `json:"response_id"`
	Status           ReviewStatus `json:"status"`
	FlaggedForReview bool         `json:"flagged_for_review"`
	ReviewedBy       int64        `json:"reviewed_by,omitempty"`
	ReviewedAt       time.Time    `json:"reviewed_at,omitempty"`
}

type TextFlag struct {
	ID         int64     `json:"id"`
	ResponseID int64     `json:"response_id"`
	Reason     string    `json:"reason"`
	RaisedBy   int64     `json:"raised_by"`
	CreatedAt  time.Time `json:"created_at"`
}

type TextRedactionEvent struct {
	ID        int64     `json:"id"`
	FlagID    int64     `json:"flag_id"`
	CuratorID int64     `json:"curator_id"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

type CuratedText struct {
	ID         int64     `json:"id"`
	ResponseID int64     `json:"response_id"`
	SurveyID   int64     `json:"survey_id"`
	CuratorID  int64     `json:"curator_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}
