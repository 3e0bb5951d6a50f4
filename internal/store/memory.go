package store

import (
	"sort"
	"strconv"
	"sync"

	"github.com/soaringjerry/Hubben/internal/services"
)

type submissionKey struct {
	userID, surveyID int64
}

// MemoryPII keeps the PII side in process memory. Every method takes the
// mutex, so read-check-write helpers are atomic.
type MemoryPII struct {
	mu         sync.RWMutex
	seq        map[string]int64
	users      map[int64]*services.User
	byEmail    map[string]int64
	verify     map[int64][]byte
	consents   []*services.ConsentRecord
	audit      []*services.AuditEvent
	pseudonyms map[int64]string
	tokens     map[string]int64
	markers    map[submissionKey]bool
	profiles   map[int64]*services.BaseProfile
}

func NewMemoryPII() *MemoryPII {
	return &MemoryPII{
		seq:        map[string]int64{},
		users:      map[int64]*services.User{},
		byEmail:    map[string]int64{},
		verify:     map[int64][]byte{},
		pseudonyms: map[int64]string{},
		tokens:     map[string]int64{},
		markers:    map[submissionKey]bool{},
		profiles:   map[int64]*services.BaseProfile{},
	}
}

var _ PII = (*MemoryPII)(nil)

func (s *MemoryPII) next(kind string) int64 {
	s.seq[kind]++
	return s.seq[kind]
}

func (s *MemoryPII) InsertUser(u *services.User) (*services.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[u.Email]; ok {
		return nil, services.ErrDuplicate
	}
	cp := *u
	cp.ID = s.next("user")
	s.users[cp.ID] = &cp
	s.byEmail[cp.Email] = cp.ID
	out := cp
	return &out, nil
}

func (s *MemoryPII) CreateRegistration(u *services.User, consent *services.ConsentRecord, hash []byte) (*services.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[u.Email]; ok {
		return nil, services.ErrDuplicate
	}
	cp := *u
	cp.ID = s.next("user")
	s.users[cp.ID] = &cp
	s.byEmail[cp.Email] = cp.ID
	cr := *consent
	cr.ID = s.next("consent")
	cr.UserID = cp.ID
	s.consents = append(s.consents, &cr)
	s.verify[cp.ID] = append([]byte(nil), hash...)
	out := cp
	return &out, nil
}

func (s *MemoryPII) GetUser(id int64) (*services.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryPII) FindUserByEmail(email string) (*services.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, nil
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryPII) UpdateUser(id int64, fn func(services.User) (services.User, error)) (*services.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	next, err := fn(*u)
	if err != nil {
		return nil, err
	}
	next.ID = id
	if next.Email != u.Email {
		if _, taken := s.byEmail[next.Email]; taken {
			return nil, services.ErrDuplicate
		}
		delete(s.byEmail, u.Email)
		s.byEmail[next.Email] = id
	}
	s.users[id] = &next
	out := next
	return &out, nil
}

func (s *MemoryPII) SetVerificationHash(userID int64, hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verify[userID] = append([]byte(nil), hash...)
	return nil
}

func (s *MemoryPII) GetVerificationHash(userID int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.verify[userID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), h...), nil
}

func (s *MemoryPII) DeleteVerificationHash(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.verify, userID)
	return nil
}

func (s *MemoryPII) AddConsentRecord(cr *services.ConsentRecord) (*services.ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cr
	cp.ID = s.next("consent")
	s.consents = append(s.consents, &cp)
	out := cp
	return &out, nil
}

func (s *MemoryPII) ListConsentRecords(userID int64) ([]*services.ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*services.ConsentRecord{}
	for _, cr := range s.consents {
		if cr.UserID == userID {
			cp := *cr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryPII) AddAudit(e *services.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.ID = s.next("audit")
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryPII) ListAudit() ([]*services.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*services.AuditEvent, len(s.audit))
	for i, e := range s.audit {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryPII) GetPseudonym(userID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pseudonyms[userID], nil
}

func (s *MemoryPII) CreatePseudonymIfAbsent(userID int64, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pseudonyms[userID]; ok {
		return existing, nil
	}
	if _, taken := s.tokens[token]; taken {
		return "", services.ErrDuplicate
	}
	s.pseudonyms[userID] = token
	s.tokens[token] = userID
	return token, nil
}

func (s *MemoryPII) ClaimSubmission(userID, surveyID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := submissionKey{userID, surveyID}
	if s.markers[key] {
		return false, nil
	}
	s.markers[key] = true
	return true, nil
}

func (s *MemoryPII) ReleaseSubmission(userID, surveyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, submissionKey{userID, surveyID})
	return nil
}

func (s *MemoryPII) HasSubmitted(userID, surveyID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markers[submissionKey{userID, surveyID}], nil
}

func (s *MemoryPII) GetBaseProfile(userID int64) (*services.BaseProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return cloneProfile(p), nil
}

func (s *MemoryPII) InsertBaseProfile(p *services.BaseProfile) (*services.BaseProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.UserID]; ok {
		return nil, services.ErrDuplicate
	}
	cp := cloneProfile(p)
	cp.ID = s.next("profile")
	s.profiles[p.UserID] = cp
	return cloneProfile(cp), nil
}

func cloneProfile(p *services.BaseProfile) *services.BaseProfile {
	cp := *p
	cp.Categories = append([]string{}, p.Categories...)
	return &cp
}

// MemoryResponses keeps the pseudonymized side in process memory.
type MemoryResponses struct {
	mu        sync.RWMutex
	seq       map[string]int64
	surveys   map[int64]*services.Survey
	responses map[int64]*services.SurveyResponse
	answered  map[string]bool
	snapshots map[int64]*services.AggregationSnapshot
	templates map[int64]*services.ReportTemplate
	versions  map[int64]*services.ReportVersion
	urls      map[string]int64
	reviews   map[int64]*services.TextReview
	reviewOf  map[int64]int64
	flags     map[int64]*services.TextFlag
	redacts   []*services.TextRedactionEvent
	curated   []*services.CuratedText
}

func NewMemoryResponses() *MemoryResponses {
	return &MemoryResponses{
		seq:       map[string]int64{},
		surveys:   map[int64]*services.Survey{},
		responses: map[int64]*services.SurveyResponse{},
		answered:  map[string]bool{},
		snapshots: map[int64]*services.AggregationSnapshot{},
		templates: map[int64]*services.ReportTemplate{},
		versions:  map[int64]*services.ReportVersion{},
		urls:      map[string]int64{},
		reviews:   map[int64]*services.TextReview{},
		reviewOf:  map[int64]int64{},
		flags:     map[int64]*services.TextFlag{},
	}
}

var _ Responses = (*MemoryResponses)(nil)

func (s *MemoryResponses) next(kind string) int64 {
	s.seq[kind]++
	return s.seq[kind]
}

func (s *MemoryResponses) InsertSurvey(sv *services.Survey) (*services.Survey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneSurvey(sv)
	cp.ID = s.next("survey")
	s.surveys[cp.ID] = cp
	return cloneSurvey(cp), nil
}

func (s *MemoryResponses) GetSurvey(id int64) (*services.Survey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sv, ok := s.surveys[id]
	if !ok {
		return nil, nil
	}
	return cloneSurvey(sv), nil
}

func (s *MemoryResponses) ListSurveys() ([]*services.Survey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*services.Survey, 0, len(s.surveys))
	for _, sv := range s.surveys {
		out = append(out, cloneSurvey(sv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneSurvey(sv *services.Survey) *services.Survey {
	cp := *sv
	cp.Schema.Questions = make([]services.Question, len(sv.Schema.Questions))
	for i, q := range sv.Schema.Questions {
		q.Options = append([]string(nil), q.Options...)
		cp.Schema.Questions[i] = q
	}
	return &cp
}

func answeredKey(surveyID int64, pseudonym string) string {
	return pseudonym + "/" + strconv.FormatInt(surveyID, 10)
}

func (s *MemoryResponses) InsertResponse(r *services.SurveyResponse, withReview bool) (*services.SurveyResponse, *services.TextReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := answeredKey(r.SurveyID, r.Pseudonym)
	if s.answered[key] {
		return nil, nil, services.ErrDuplicate
	}
	cp := cloneResponse(r)
	cp.ID = s.next("response")
	s.responses[cp.ID] = cp
	s.answered[key] = true
	var review *services.TextReview
	if withReview {
		rv := &services.TextReview{ID: s.next("review"), ResponseID: cp.ID, Status: services.ReviewUnreviewed}
		s.reviews[rv.ID] = rv
		s.reviewOf[cp.ID] = rv.ID
		out := *rv
		review = &out
	}
	return cloneResponse(cp), review, nil
}

func (s *MemoryResponses) GetResponse(id int64) (*services.SurveyResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.responses[id]
	if !ok {
		return nil, nil
	}
	return cloneResponse(r), nil
}

func (s *MemoryResponses) ListResponsesBySurvey(surveyID int64) ([]*services.SurveyResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*services.SurveyResponse{}
	for _, r := range s.responses {
		if r.SurveyID == surveyID {
			out = append(out, cloneResponse(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneResponse(r *services.SurveyResponse) *services.SurveyResponse {
	cp := *r
	cp.Answers = make(map[string]any, len(r.Answers))
	for k, v := range r.Answers {
		cp.Answers[k] = cloneValue(v)
	}
	cp.RawTextFields = make(map[string]string, len(r.RawTextFields))
	for k, v := range r.RawTextFields {
		cp.RawTextFields[k] = v
	}
	return &cp
}

// cloneValue copies the containers JSON decoding produces.
func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	}
	return v
}

func (s *MemoryResponses) UpsertSnapshot(snap *services.AggregationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.SurveyID] = cloneSnapshot(snap)
	return nil
}

func (s *MemoryResponses) GetSnapshot(surveyID int64) (*services.AggregationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[surveyID]
	if !ok {
		return nil, nil
	}
	return cloneSnapshot(snap), nil
}

func cloneSnapshot(snap *services.AggregationSnapshot) *services.AggregationSnapshot {
	cp := *snap
	if snap.Metrics.Questions != nil {
		cp.Metrics.Questions = make(map[string]map[string]int, len(snap.Metrics.Questions))
		for q, counts := range snap.Metrics.Questions {
			cells := make(map[string]int, len(counts))
			for k, n := range counts {
				cells[k] = n
			}
			cp.Metrics.Questions[q] = cells
		}
	}
	return &cp
}

func (s *MemoryResponses) InsertTemplate(t *services.ReportTemplate) (*services.ReportTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.Blocks = append([]services.ContentBlock(nil), t.Blocks...)
	cp.ID = s.next("template")
	s.templates[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryResponses) GetTemplate(id int64) (*services.ReportTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	cp.Blocks = append([]services.ContentBlock(nil), t.Blocks...)
	return &cp, nil
}

func (s *MemoryResponses) InsertReportVersion(v *services.ReportVersion) (*services.ReportVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.CanonicalURL != "" {
		if _, taken := s.urls[v.CanonicalURL]; taken {
			return nil, services.ErrDuplicate
		}
	}
	cp := *v
	cp.ID = s.next("report_version")
	s.versions[cp.ID] = &cp
	if cp.CanonicalURL != "" {
		s.urls[cp.CanonicalURL] = cp.ID
	}
	out := cp
	return &out, nil
}

func (s *MemoryResponses) GetReportVersion(id int64) (*services.ReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryResponses) GetReportVersionByURL(url string) (*services.ReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.urls[url]
	if !ok {
		return nil, nil
	}
	cp := *s.versions[id]
	return &cp, nil
}

func (s *MemoryResponses) ListReportVersions() ([]*services.ReportVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*services.ReportVersion, 0, len(s.versions))
	for _, v := range s.versions {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryResponses) MutateReportVersion(id int64, fn func(services.ReportVersion) (services.ReportVersion, error)) (*services.ReportVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateVersionLocked(id, fn)
}

// MutateReplacement holds the write lock across fn, so lookup reads a chain
// no other writer can change underneath it.
func (s *MemoryResponses) MutateReplacement(id int64, fn func(services.ReportVersion, services.VersionLookup) (services.ReportVersion, error)) (*services.ReportVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lookup := func(other int64) (*services.ReportVersion, error) {
		v, ok := s.versions[other]
		if !ok {
			return nil, nil
		}
		cp := *v
		return &cp, nil
	}
	return s.mutateVersionLocked(id, func(cur services.ReportVersion) (services.ReportVersion, error) {
		return fn(cur, lookup)
	})
}

func (s *MemoryResponses) mutateVersionLocked(id int64, fn func(services.ReportVersion) (services.ReportVersion, error)) (*services.ReportVersion, error) {
	v, ok := s.versions[id]
	if !ok {
		return nil, nil
	}
	next, err := fn(*v)
	if err != nil {
		return nil, err
	}
	next.ID = id
	if next.CanonicalURL != v.CanonicalURL {
		if owner, taken := s.urls[next.CanonicalURL]; taken && owner != id && next.CanonicalURL != "" {
			return nil, services.ErrDuplicate
		}
		delete(s.urls, v.CanonicalURL)
		if next.CanonicalURL != "" {
			s.urls[next.CanonicalURL] = id
		}
	}
	s.versions[id] = &next
	out := next
	return &out, nil
}

func (s *MemoryResponses) GetTextReview(id int64) (*services.TextReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reviews[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryResponses) GetTextReviewByResponse(responseID int64) (*services.TextReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.reviewOf[responseID]
	if !ok {
		return nil, nil
	}
	cp := *s.reviews[id]
	return &cp, nil
}

func (s *MemoryResponses) MutateTextReview(id int64, fn func(services.TextReview) (services.TextReview, error)) (*services.TextReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[id]
	if !ok {
		return nil, nil
	}
	next, err := fn(*r)
	if err != nil {
		return nil, err
	}
	next.ID = id
	next.ResponseID = r.ResponseID
	s.reviews[id] = &next
	out := next
	return &out, nil
}

func (s *MemoryResponses) InsertTextFlag(f *services.TextFlag) (*services.TextFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	cp.ID = s.next("flag")
	s.flags[cp.ID] = &cp
	if rid, ok := s.reviewOf[f.ResponseID]; ok {
		s.reviews[rid].FlaggedForReview = true
	}
	out := cp
	return &out, nil
}

func (s *MemoryResponses) GetTextFlag(id int64) (*services.TextFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryResponses) InsertRedactionEvent(e *services.TextRedactionEvent) (*services.TextRedactionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.ID = s.next("redaction")
	s.redacts = append(s.redacts, &cp)
	out := cp
	return &out, nil
}

func (s *MemoryResponses) InsertCuratedText(c *services.CuratedText) (*services.CuratedText, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.ID = s.next("curated")
	s.curated = append(s.curated, &cp)
	out := cp
	return &out, nil
}

func (s *MemoryResponses) ListCuratedTexts(surveyID int64) ([]*services.CuratedText, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*services.CuratedText{}
	for _, c := range s.curated {
		if c.SurveyID == surveyID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}
