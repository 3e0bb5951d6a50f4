package services

import (
	"fmt"
	"strings"
	"time"
)

// ReportURLPrefix is prepended to a slug to form a canonical URL.
const ReportURLPrefix = "/reports/"

type ReportVersionStore interface {
	GetTemplate(id int64) (*ReportTemplate, error)
	GetSnapshot(surveyID int64) (*AggregationSnapshot, error)
	InsertReportVersion(v *ReportVersion) (*ReportVersion, error)
	GetReportVersion(id int64) (*ReportVersion, error)
	GetReportVersionByURL(url string) (*ReportVersion, error)
	ListReportVersions() ([]*ReportVersion, error)
	// MutateReportVersion runs fn as one atomic read-check-write. It returns
	// nil when the version does not exist and ErrDuplicate when the new
	// canonical URL is already taken.
	MutateReportVersion(id int64, fn func(ReportVersion) (ReportVersion, error)) (*ReportVersion, error)
	// MutateReplacement is MutateReportVersion for successor pointers. fn may
	// read other versions through lookup, which sees the same lock or
	// transaction, and no two replacements run at once.
	MutateReplacement(id int64, fn func(cur ReportVersion, lookup VersionLookup) (ReportVersion, error)) (*ReportVersion, error)
}

// VersionLookup returns nil, nil for a missing version.
type VersionLookup func(id int64) (*ReportVersion, error)

type BaseProfileReader interface {
	GetBaseProfile(userID int64) (*BaseProfile, error)
}

// TextGate yields the moderated excerpts that may be shown for a survey.
type TextGate interface {
	PublicTexts(surveyID int64) ([]string, error)
}

// PublicReport is either a payload under its canonical URL or a redirect.
type PublicReport struct {
	CanonicalURL string         `json:"canonical_url,omitempty"`
	Payload      *PublicPayload `json:"payload,omitempty"`
	Redirect     string         `json:"redirect,omitempty"`
}

type PublishingService struct {
	store         ReportVersionStore
	profiles      BaseProfileReader
	texts         TextGate
	audit         AuditStore
	defaultKommun string
	now           func() time.Time
}

func NewPublishingService(store ReportVersionStore, profiles BaseProfileReader, texts TextGate, audit AuditStore) *PublishingService {
	return &PublishingService{
		store:         store,
		profiles:      profiles,
		texts:         texts,
		audit:         audit,
		defaultKommun: "Sverige",
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *PublishingService) SetDefaultKommun(k string) {
	if strings.TrimSpace(k) != "" {
		s.defaultKommun = k
	}
}

// Publish creates a draft version of templateID.
func (s *PublishingService) Publish(actor *User, templateID int64, visibility Visibility, kommun string) (*ReportVersion, error) {
	if err := RequireRole(actor, staffRoles...); err != nil {
		return nil, err
	}
	switch visibility {
	case "":
		visibility = VisibilityInternal
	case VisibilityInternal, VisibilityPublic:
	default:
		return nil, NewInvalidError("invalid visibility")
	}
	t, err := s.store.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, NewNotFoundError("template_not_found")
	}
	v, err := s.store.InsertReportVersion(&ReportVersion{
		TemplateID:     templateID,
		Kommun:         strings.TrimSpace(kommun),
		Visibility:     visibility,
		PublishedState: StateDraft,
	})
	if err != nil {
		return nil, err
	}
	if err := s.record(actor, "report_create", v.ID, string(visibility)); err != nil {
		return nil, err
	}
	return v, nil
}

// SetPublicURL assigns the canonical URL. A public version becomes published
// in the same step, after which only ReplacedBy may change.
func (s *PublishingService) SetPublicURL(actor *User, versionID int64, slug string) (*ReportVersion, error) {
	if err := RequireRole(actor, staffRoles...); err != nil {
		return nil, err
	}
	if !validSlug(slug) {
		return nil, NewInvalidError("invalid slug")
	}
	url := ReportURLPrefix + slug
	v, err := s.store.MutateReportVersion(versionID, func(v ReportVersion) (ReportVersion, error) {
		if v.PublishedState == StatePublished {
			return v, NewConflictError("report_version_immutable")
		}
		v.CanonicalURL = url
		if v.Visibility == VisibilityPublic {
			v.PublishedState = StatePublished
		}
		return v, nil
	})
	if isDuplicate(err) {
		return nil, NewConflictError("canonical_url_taken")
	}
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, NewNotFoundError("report_version_not_found")
	}
	if err := s.record(actor, "report_set_url", v.ID, url); err != nil {
		return nil, err
	}
	return v, nil
}

// Unpublish forces a draft to internal visibility.
func (s *PublishingService) Unpublish(actor *User, versionID int64) (*ReportVersion, error) {
	if err := RequireRole(actor, adminRoles...); err != nil {
		return nil, err
	}
	v, err := s.store.MutateReportVersion(versionID, func(v ReportVersion) (ReportVersion, error) {
		if v.PublishedState == StatePublished {
			return v, NewConflictError("report_version_immutable")
		}
		v.Visibility = VisibilityInternal
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, NewNotFoundError("report_version_not_found")
	}
	if err := s.record(actor, "report_unpublish", v.ID, ""); err != nil {
		return nil, err
	}
	return v, nil
}

// Replace sets the forward pointer of oldID. It can be set only once.
func (s *PublishingService) Replace(actor *User, oldID, newID int64) (*ReportVersion, error) {
	if err := RequireRole(actor, staffRoles...); err != nil {
		return nil, err
	}
	if oldID == newID {
		return nil, NewInvalidError("a version cannot replace itself")
	}
	v, err := s.store.MutateReplacement(oldID, func(v ReportVersion, lookup VersionLookup) (ReportVersion, error) {
		if err := checkNoCycle(lookup, oldID, newID); err != nil {
			return v, err
		}
		if v.ReplacedBy != 0 {
			return v, NewConflictError("report_version_already_replaced")
		}
		v.ReplacedBy = newID
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, NewNotFoundError("report_version_not_found")
	}
	if err := s.record(actor, "report_replace", v.ID, fmt.Sprintf("replaced_by:%d", newID)); err != nil {
		return nil, err
	}
	return v, nil
}

// checkNoCycle walks the successor chain starting at newID and rejects it if it reaches oldID.
func checkNoCycle(lookup VersionLookup, oldID, newID int64) error {
	seen := map[int64]bool{}
	next := newID
	for next != 0 && !seen[next] {
		if next == oldID {
			return NewInvalidError("replacement would create a cycle")
		}
		seen[next] = true
		v, err := lookup(next)
		if err != nil {
			return err
		}
		if v == nil {
			if next == newID {
				return NewNotFoundError("replacement_not_found")
			}
			return nil
		}
		next = v.ReplacedBy
	}
	return nil
}

// ResolvePublicURL follows replaced_by pointers and returns the canonical URL
// of the deepest version in the chain that has one.
func (s *PublishingService) ResolvePublicURL(versionID int64) (string, error) {
	v, err := s.store.GetReportVersion(versionID)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", NewInvalidError("report_version_not_found")
	}
	deepest := ""
	seen := map[int64]bool{}
	for v != nil && !seen[v.ID] {
		seen[v.ID] = true
		if v.CanonicalURL != "" {
			deepest = v.CanonicalURL
		}
		if v.ReplacedBy == 0 {
			break
		}
		if v, err = s.store.GetReportVersion(v.ReplacedBy); err != nil {
			return "", err
		}
	}
	if deepest == "" {
		return "", NewInvalidError("canonical_url_missing")
	}
	return deepest, nil
}

// CanView: published public versions are open to anyone. Drafts, whatever
// their visibility flag, and internal versions need a signed-in viewer.
func CanView(viewer *User, v *ReportVersion) bool {
	if v.Visibility == VisibilityPublic && v.PublishedState == StatePublished {
		return true
	}
	return viewer != nil
}

func (s *PublishingService) ReadPublic(viewer *User, url string) (*PublicReport, error) {
	v, err := s.store.GetReportVersionByURL(url)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, NewNotFoundError("report_not_found")
	}
	if !CanView(viewer, v) {
		return nil, NewUnauthorizedError("unauthorized")
	}
	if v.ReplacedBy != 0 {
		target, err := s.ResolvePublicURL(v.ID)
		if err != nil {
			return nil, err
		}
		if target != v.CanonicalURL {
			return &PublicReport{Redirect: target}, nil
		}
	}
	payload, err := s.payloadFor(viewer, v)
	if err != nil {
		return nil, err
	}
	return &PublicReport{CanonicalURL: v.CanonicalURL, Payload: payload}, nil
}

func (s *PublishingService) payloadFor(viewer *User, v *ReportVersion) (*PublicPayload, error) {
	t, err := s.store.GetTemplate(v.TemplateID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, NewNotFoundError("template_not_found")
	}
	snap, err := s.store.GetSnapshot(t.SurveyID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, NewInvalidError("aggregation_missing")
	}
	kommun, err := s.kommunFor(viewer, v)
	if err != nil {
		return nil, err
	}
	texts, err := s.texts.PublicTexts(t.SurveyID)
	if err != nil {
		return nil, err
	}
	return BuildPayload(t, snap, kommun, texts), nil
}

func (s *PublishingService) kommunFor(viewer *User, v *ReportVersion) (string, error) {
	if viewer != nil && s.profiles != nil {
		p, err := s.profiles.GetBaseProfile(viewer.ID)
		if err != nil {
			return "", err
		}
		if p != nil && p.Kommun != "" {
			return p.Kommun, nil
		}
	}
	if v.Kommun != "" {
		return v.Kommun, nil
	}
	return s.defaultKommun, nil
}

// ListPublicReports returns the canonical URLs of live public versions in id order.
func (s *PublishingService) ListPublicReports() ([]string, error) {
	list, err := s.store.ListReportVersions()
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, v := range list {
		if v.PublishedState == StatePublished && v.Visibility == VisibilityPublic && v.ReplacedBy == 0 && v.CanonicalURL != "" {
			out = append(out, v.CanonicalURL)
		}
	}
	return out, nil
}

func (s *PublishingService) record(actor *User, action string, versionID int64, note string) error {
	return s.audit.AddAudit(&AuditEvent{
		ActorID: actor.ID,
		Action:  action,
		Target:  fmt.Sprintf("report_version:%d", versionID),
		Note:    note,
		Time:    s.now(),
	})
}

func validSlug(slug string) bool {
	if slug == "" || len(slug) > 80 || slug[0] == '-' {
		return false
	}
	for _, r := range slug {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}
