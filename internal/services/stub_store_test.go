package services

import (
	"sort"
	"sync"
)

// fakeStore is a single in-memory double that satisfies every store
// interface of the package. failInsertResponse lets tests break the
// response side after the PII side has been written.
type fakeStore struct {
	mu sync.Mutex

	nextID int64

	users      map[int64]*User
	verify     map[int64][]byte
	consents   []*ConsentRecord
	audits     []*AuditEvent
	pseudonyms map[int64]string
	markers    map[[2]int64]bool
	profiles   map[int64]*BaseProfile

	surveys   map[int64]*Survey
	responses map[int64]*SurveyResponse
	snapshots map[int64]*AggregationSnapshot
	templates map[int64]*ReportTemplate
	versions  map[int64]*ReportVersion
	reviews   map[int64]*TextReview
	flags     map[int64]*TextFlag
	redacts   []*TextRedactionEvent
	curated   []*CuratedText

	failInsertResponse error
	failRegistration   error
	released           int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[int64]*User{},
		verify:     map[int64][]byte{},
		pseudonyms: map[int64]string{},
		markers:    map[[2]int64]bool{},
		profiles:   map[int64]*BaseProfile{},
		surveys:    map[int64]*Survey{},
		responses:  map[int64]*SurveyResponse{},
		snapshots:  map[int64]*AggregationSnapshot{},
		templates:  map[int64]*ReportTemplate{},
		versions:   map[int64]*ReportVersion{},
		reviews:    map[int64]*TextReview{},
		flags:      map[int64]*TextFlag{},
	}
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *fakeStore) CreateRegistration(u *User, consent *ConsentRecord, hash []byte) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRegistration != nil {
		return nil, s.failRegistration
	}
	for _, other := range s.users {
		if other.Email == u.Email {
			return nil, ErrDuplicate
		}
	}
	cp := *u
	cp.ID = s.id()
	s.users[cp.ID] = &cp
	cr := *consent
	cr.ID = s.id()
	cr.UserID = cp.ID
	s.consents = append(s.consents, &cr)
	s.verify[cp.ID] = append([]byte(nil), hash...)
	out := cp
	return &out, nil
}

func (s *fakeStore) InsertUser(u *User) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.users {
		if ex.Email == u.Email {
			return nil, ErrDuplicate
		}
	}
	cp := *u
	cp.ID = s.id()
	s.users[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) GetUser(id int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) FindUserByEmail(email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateUser(id int64, fn func(User) (User, error)) (*User, error) {
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
	s.users[id] = &next
	cp := next
	return &cp, nil
}

func (s *fakeStore) SetVerificationHash(userID int64, hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verify[userID] = hash
	return nil
}

func (s *fakeStore) GetVerificationHash(userID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verify[userID], nil
}

func (s *fakeStore) DeleteVerificationHash(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.verify, userID)
	return nil
}

func (s *fakeStore) AddConsentRecord(cr *ConsentRecord) (*ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cr
	cp.ID = s.id()
	s.consents = append(s.consents, &cp)
	out := cp
	return &out, nil
}

func (s *fakeStore) ListConsentRecords(userID int64) ([]*ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ConsentRecord
	for _, cr := range s.consents {
		if cr.UserID == userID {
			cp := *cr
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) AddAudit(e *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.ID = s.id()
	s.audits = append(s.audits, &cp)
	return nil
}

func (s *fakeStore) GetPseudonym(userID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pseudonyms[userID], nil
}

func (s *fakeStore) CreatePseudonymIfAbsent(userID int64, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.pseudonyms[userID]; ok {
		return ex, nil
	}
	s.pseudonyms[userID] = token
	return token, nil
}

func (s *fakeStore) ClaimSubmission(userID, surveyID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{userID, surveyID}
	if s.markers[key] {
		return false, nil
	}
	s.markers[key] = true
	return true, nil
}

func (s *fakeStore) ReleaseSubmission(userID, surveyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, [2]int64{userID, surveyID})
	s.released++
	return nil
}

func (s *fakeStore) HasSubmitted(userID, surveyID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[[2]int64{userID, surveyID}], nil
}

func (s *fakeStore) GetBaseProfile(userID int64) (*BaseProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) InsertBaseProfile(p *BaseProfile) (*BaseProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.UserID]; ok {
		return nil, ErrDuplicate
	}
	cp := *p
	cp.ID = s.id()
	s.profiles[p.UserID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) InsertSurvey(sv *Survey) (*Survey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sv
	cp.ID = s.id()
	s.surveys[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) GetSurvey(id int64) (*Survey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sv, ok := s.surveys[id]; ok {
		cp := *sv
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) ListSurveys() ([]*Survey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Survey, 0, len(s.surveys))
	for _, sv := range s.surveys {
		cp := *sv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) InsertResponse(r *SurveyResponse, withReview bool) (*SurveyResponse, *TextReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsertResponse != nil {
		return nil, nil, s.failInsertResponse
	}
	for _, ex := range s.responses {
		if ex.SurveyID == r.SurveyID && ex.Pseudonym == r.Pseudonym {
			return nil, nil, ErrDuplicate
		}
	}
	cp := *r
	cp.ID = s.id()
	s.responses[cp.ID] = &cp
	var review *TextReview
	if withReview {
		rv := &TextReview{ID: s.id(), ResponseID: cp.ID, Status: ReviewUnreviewed}
		s.reviews[rv.ID] = rv
		rc := *rv
		review = &rc
	}
	out := cp
	return &out, review, nil
}

func (s *fakeStore) GetResponse(id int64) (*SurveyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.responses[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) ListResponsesBySurvey(surveyID int64) ([]*SurveyResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SurveyResponse
	for _, r := range s.responses {
		if r.SurveyID == surveyID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) UpsertSnapshot(snap *AggregationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snapshots[snap.SurveyID] = &cp
	return nil
}

func (s *fakeStore) GetSnapshot(surveyID int64) (*AggregationSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snapshots[surveyID]; ok {
		cp := *snap
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) InsertTemplate(t *ReportTemplate) (*ReportTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.ID = s.id()
	s.templates[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) GetTemplate(id int64) (*ReportTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.templates[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) InsertReportVersion(v *ReportVersion) (*ReportVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	cp.ID = s.id()
	s.versions[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) GetReportVersion(id int64) (*ReportVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.versions[id]; ok {
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) GetReportVersionByURL(url string) (*ReportVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.CanonicalURL == url {
			cp := *v
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListReportVersions() ([]*ReportVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ReportVersion, 0, len(s.versions))
	for _, v := range s.versions {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) MutateReportVersion(id int64, fn func(ReportVersion) (ReportVersion, error)) (*ReportVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateVersionLocked(id, fn)
}

func (s *fakeStore) MutateReplacement(id int64, fn func(ReportVersion, VersionLookup) (ReportVersion, error)) (*ReportVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lookup := func(other int64) (*ReportVersion, error) {
		if v, ok := s.versions[other]; ok {
			cp := *v
			return &cp, nil
		}
		return nil, nil
	}
	return s.mutateVersionLocked(id, func(cur ReportVersion) (ReportVersion, error) {
		return fn(cur, lookup)
	})
}

func (s *fakeStore) mutateVersionLocked(id int64, fn func(ReportVersion) (ReportVersion, error)) (*ReportVersion, error) {
	v, ok := s.versions[id]
	if !ok {
		return nil, nil
	}
	next, err := fn(*v)
	if err != nil {
		return nil, err
	}
	if next.CanonicalURL != "" {
		for oid, other := range s.versions {
			if oid != id && other.CanonicalURL == next.CanonicalURL {
				return nil, ErrDuplicate
			}
		}
	}
	next.ID = id
	s.versions[id] = &next
	cp := next
	return &cp, nil
}

func (s *fakeStore) GetTextReview(id int64) (*TextReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reviews[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) GetTextReviewByResponse(responseID int64) (*TextReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reviews {
		if r.ResponseID == responseID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) MutateTextReview(id int64, fn func(TextReview) (TextReview, error)) (*TextReview, error) {
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
	s.reviews[id] = &next
	cp := next
	return &cp, nil
}

func (s *fakeStore) InsertTextFlag(f *TextFlag) (*TextFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	cp.ID = s.id()
	s.flags[cp.ID] = &cp
	for _, r := range s.reviews {
		if r.ResponseID == f.ResponseID {
			r.FlaggedForReview = true
		}
	}
	out := cp
	return &out, nil
}

func (s *fakeStore) GetTextFlag(id int64) (*TextFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flags[id]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) InsertRedactionEvent(e *TextRedactionEvent) (*TextRedactionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.ID = s.id()
	s.redacts = append(s.redacts, &cp)
	out := cp
	return &out, nil
}

func (s *fakeStore) InsertCuratedText(c *CuratedText) (*CuratedText, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.ID = s.id()
	s.curated = append(s.curated, &cp)
	out := cp
	return &out, nil
}

func (s *fakeStore) ListCuratedTexts(surveyID int64) ([]*CuratedText, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*CuratedText
	for _, c := range s.curated {
		if c.SurveyID == surveyID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

type countingLimiter struct {
	max   int
	calls map[string]int
}

func (l *countingLimiter) RegisterAttempt(key string) error {
	if l.calls == nil {
		l.calls = map[string]int{}
	}
	l.calls[key]++
	if l.calls[key] > l.max {
		return NewTooManyRequestsError("too_many_requests")
	}
	return nil
}

func intPtr(n int) *int { return &n }

var (
	testParent  = &User{ID: 900, Role: RoleParent, Verified: true}
	testAnalyst = &User{ID: 901, Role: RoleAnalyst, Verified: true}
	testAdmin   = &User{ID: 902, Role: RoleAdmin, Verified: true}
)
