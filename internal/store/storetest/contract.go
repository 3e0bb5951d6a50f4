// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soaringjerry/Hubben/internal/services"
	"github.com/soaringjerry/Hubben/internal/store"
)

var at = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// RunPII exercises a fresh PII store returned by open for each subtest.
func RunPII(t *testing.T, open func(t *testing.T) store.PII) {
	t.Run("users", func(t *testing.T) {
		s := open(t)
		u, err := s.InsertUser(&services.User{Email: "a@example.com", Role: services.RoleParent, CreatedAt: at})
		if err != nil {
			t.Fatalf("InsertUser: %v", err)
		}
		if u.ID <= 0 {
			t.Fatalf("id not assigned: %+v", u)
		}
		if _, err := s.InsertUser(&services.User{Email: "a@example.com", Role: services.RoleParent, CreatedAt: at}); !errors.Is(err, services.ErrDuplicate) {
			t.Fatalf("duplicate email error = %v, want ErrDuplicate", err)
		}
		u2, err := s.InsertUser(&services.User{Email: "b@example.com", Role: services.RoleParent, CreatedAt: at})
		if err != nil || u2.ID <= u.ID {
			t.Fatalf("ids not monotonic: %d then %+v, %v", u.ID, u2, err)
		}
		found, err := s.FindUserByEmail("a@example.com")
		if err != nil || found == nil || found.ID != u.ID {
			t.Fatalf("FindUserByEmail = %+v, %v", found, err)
		}
		missing, err := s.FindUserByEmail("none@example.com")
		if err != nil || missing != nil {
			t.Fatalf("missing user = %+v, %v", missing, err)
		}
		updated, err := s.UpdateUser(u.ID, func(cur services.User) (services.User, error) {
			cur.Verified = true
			cur.Role = services.RoleAnalyst
			return cur, nil
		})
		if err != nil || !updated.Verified || updated.Role != services.RoleAnalyst {
			t.Fatalf("UpdateUser = %+v, %v", updated, err)
		}
		got, _ := s.GetUser(u.ID)
		if !got.Verified || got.Email != "a@example.com" || !got.CreatedAt.Equal(at) {
			t.Fatalf("GetUser after update = %+v", got)
		}
		boom := errors.New("boom")
		if _, err := s.UpdateUser(u.ID, func(services.User) (services.User, error) { return services.User{}, boom }); !errors.Is(err, boom) {
			t.Fatalf("fn error not returned: %v", err)
		}
		if none, err := s.UpdateUser(9999, func(cur services.User) (services.User, error) { return cur, nil }); err != nil || none != nil {
			t.Fatalf("update of missing user = %+v, %v", none, err)
		}
	})

	t.Run("verification", func(t *testing.T) {
		s := open(t)
		u, _ := s.InsertUser(&services.User{Email: "v@example.com", Role: services.RoleParent, CreatedAt: at})
		if h, err := s.GetVerificationHash(u.ID); err != nil || len(h) != 0 {
			t.Fatalf("hash before set = %q, %v", h, err)
		}
		if err := s.SetVerificationHash(u.ID, []byte("h1")); err != nil {
			t.Fatalf("SetVerificationHash: %v", err)
		}
		if err := s.SetVerificationHash(u.ID, []byte("h2")); err != nil {
			t.Fatalf("SetVerificationHash overwrite: %v", err)
		}
		if h, _ := s.GetVerificationHash(u.ID); string(h) != "h2" {
			t.Fatalf("hash = %q, want h2", h)
		}
		if err := s.DeleteVerificationHash(u.ID); err != nil {
			t.Fatalf("DeleteVerificationHash: %v", err)
		}
		if h, _ := s.GetVerificationHash(u.ID); len(h) != 0 {
			t.Fatalf("hash survived delete: %q", h)
		}
	})

	t.Run("registration", func(t *testing.T) {
		s := open(t)
		consent := &services.ConsentRecord{Type: services.ConsentBase, Version: "v1", Status: services.ConsentGranted, Timestamp: at}
		u, err := s.CreateRegistration(&services.User{Email: "r@example.com", Role: services.RoleParent, CreatedAt: at}, consent, []byte("h"))
		if err != nil || u.ID <= 0 {
			t.Fatalf("CreateRegistration = %+v, %v", u, err)
		}
		if list, _ := s.ListConsentRecords(u.ID); len(list) != 1 || list[0].Version != "v1" {
			t.Fatalf("consents = %+v, want one v1 record", list)
		}
		if h, _ := s.GetVerificationHash(u.ID); string(h) != "h" {
			t.Fatalf("hash = %q, want h", h)
		}
		if _, err := s.CreateRegistration(&services.User{Email: "r@example.com", Role: services.RoleParent, CreatedAt: at}, consent, []byte("h2")); !errors.Is(err, services.ErrDuplicate) {
			t.Fatalf("duplicate registration error = %v, want ErrDuplicate", err)
		}
		if list, _ := s.ListConsentRecords(u.ID); len(list) != 1 {
			t.Fatalf("duplicate registration added consent: %+v", list)
		}
		if h, _ := s.GetVerificationHash(u.ID); string(h) != "h" {
			t.Fatalf("duplicate registration replaced hash: %q", h)
		}
	})

	t.Run("consents and audit", func(t *testing.T) {
		s := open(t)
		for _, st := range []services.ConsentStatus{services.ConsentGranted, services.ConsentWithdrawn} {
			if _, err := s.AddConsentRecord(&services.ConsentRecord{UserID: 3, Type: "base", Version: "v1", Status: st, Timestamp: at}); err != nil {
				t.Fatalf("AddConsentRecord: %v", err)
			}
		}
		s.AddConsentRecord(&services.ConsentRecord{UserID: 4, Type: "base", Version: "v1", Status: services.ConsentGranted, Timestamp: at})
		list, err := s.ListConsentRecords(3)
		if err != nil || len(list) != 2 {
			t.Fatalf("ListConsentRecords = %v, %v", list, err)
		}
		if list[0].ID >= list[1].ID || list[0].Status != services.ConsentGranted || !list[1].Timestamp.Equal(at) {
			t.Fatalf("records out of order or altered: %+v %+v", list[0], list[1])
		}
		if err := s.AddAudit(&services.AuditEvent{ActorID: 1, TargetUserID: 3, Action: "role_change:admin", Time: at}); err != nil {
			t.Fatalf("AddAudit: %v", err)
		}
		if err := s.AddAudit(&services.AuditEvent{ActorID: 1, Action: "text_flag", Target: "response:1", Note: "n", Time: at}); err != nil {
			t.Fatalf("AddAudit: %v", err)
		}
		events, err := s.ListAudit()
		if err != nil || len(events) != 2 || events[0].Action != "role_change:admin" || events[1].Target != "response:1" {
			t.Fatalf("ListAudit = %+v, %v", events, err)
		}
	})

	t.Run("pseudonyms", func(t *testing.T) {
		s := open(t)
		if p, err := s.GetPseudonym(1); err != nil || p != "" {
			t.Fatalf("pseudonym before create = %q, %v", p, err)
		}
		p, err := s.CreatePseudonymIfAbsent(1, "aaaa")
		if err != nil || p != "aaaa" {
			t.Fatalf("CreatePseudonymIfAbsent = %q, %v", p, err)
		}
		p, err = s.CreatePseudonymIfAbsent(1, "bbbb")
		if err != nil || p != "aaaa" {
			t.Fatalf("second create = %q, %v; want existing", p, err)
		}
		if got, _ := s.GetPseudonym(1); got != "aaaa" {
			t.Fatalf("GetPseudonym = %q", got)
		}

		var wg sync.WaitGroup
		results := make([]string, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				token := string(rune('c'+i)) + "-token"
				p, err := s.CreatePseudonymIfAbsent(2, token)
				if err != nil {
					t.Errorf("concurrent create: %v", err)
				}
				results[i] = p
			}(i)
		}
		wg.Wait()
		for _, r := range results {
			if r != results[0] {
				t.Fatalf("concurrent creates diverged: %v", results)
			}
		}
	})

	t.Run("submission markers", func(t *testing.T) {
		s := open(t)
		ok, err := s.ClaimSubmission(1, 10)
		if err != nil || !ok {
			t.Fatalf("first claim = %v, %v", ok, err)
		}
		if ok, _ := s.ClaimSubmission(1, 10); ok {
			t.Fatalf("second claim should fail")
		}
		if ok, _ := s.ClaimSubmission(1, 11); !ok {
			t.Fatalf("claim on another survey should succeed")
		}
		if done, _ := s.HasSubmitted(1, 10); !done {
			t.Fatalf("HasSubmitted = false after claim")
		}
		if err := s.ReleaseSubmission(1, 10); err != nil {
			t.Fatalf("ReleaseSubmission: %v", err)
		}
		if done, _ := s.HasSubmitted(1, 10); done {
			t.Fatalf("HasSubmitted = true after release")
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ClaimSubmission(5, 50)
				if err != nil {
					t.Errorf("concurrent claim: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("concurrent claims won = %d, want 1", wins)
		}
	})

	t.Run("base profiles", func(t *testing.T) {
		s := open(t)
		if p, err := s.GetBaseProfile(1); err != nil || p != nil {
			t.Fatalf("profile before insert = %+v, %v", p, err)
		}
		p, err := s.InsertBaseProfile(&services.BaseProfile{UserID: 1, Kommun: "Umeå", Categories: []string{"forskola", "fritids"}})
		if err != nil || p.ID <= 0 {
			t.Fatalf("InsertBaseProfile = %+v, %v", p, err)
		}
		if _, err := s.InsertBaseProfile(&services.BaseProfile{UserID: 1, Kommun: "Luleå"}); !errors.Is(err, services.ErrDuplicate) {
			t.Fatalf("second profile error = %v, want ErrDuplicate", err)
		}
		got, _ := s.GetBaseProfile(1)
		if got.Kommun != "Umeå" || len(got.Categories) != 2 {
			t.Fatalf("GetBaseProfile = %+v", got)
		}
	})
}

// RunResponses exercises a fresh response store returned by open for each subtest.
func RunResponses(t *testing.T, open func(t *testing.T) store.Responses) {
	schema := services.SurveySchema{Title: "Trivsel", Questions: []services.Question{
		{ID: "q1", Type: services.QuestionScale, Options: []string{"1", "2", "3"}},
		{ID: "q2", Type: services.QuestionLongText},
	}}
	newSurvey := func(t *testing.T, s store.Responses) *services.Survey {
		t.Helper()
		sv, err := s.InsertSurvey(&services.Survey{Schema: schema, BaseBlockPolicy: "enabled", FeedbackMode: "section", MinResponsesDefault: 5})
		if err != nil {
			t.Fatalf("InsertSurvey: %v", err)
		}
		return sv
	}

	t.Run("surveys", func(t *testing.T) {
		s := open(t)
		sv := newSurvey(t, s)
		newSurvey(t, s)
		got, err := s.GetSurvey(sv.ID)
		if err != nil || got == nil || got.Schema.Title != "Trivsel" || len(got.Schema.Questions[0].Options) != 3 || got.MinResponsesDefault != 5 {
			t.Fatalf("GetSurvey = %+v, %v", got, err)
		}
		if none, err := s.GetSurvey(9999); err != nil || none != nil {
			t.Fatalf("missing survey = %+v, %v", none, err)
		}
		list, err := s.ListSurveys()
		if err != nil || len(list) != 2 || list[0].ID != sv.ID {
			t.Fatalf("ListSurveys = %+v, %v", list, err)
		}
	})

	t.Run("responses and reviews", func(t *testing.T) {
		s := open(t)
		sv := newSurvey(t, s)
		r, review, err := s.InsertResponse(&services.SurveyResponse{
			SurveyID:      sv.ID,
			Pseudonym:     "p1",
			Answers:       map[string]any{"q1": 2.0},
			RawTextFields: map[string]string{"q2": "fritext"},
			CreatedAt:     at,
		}, true)
		if err != nil {
			t.Fatalf("InsertResponse: %v", err)
		}
		if review == nil || review.ResponseID != r.ID || review.Status != services.ReviewUnreviewed {
			t.Fatalf("review = %+v", review)
		}
		if _, _, err := s.InsertResponse(&services.SurveyResponse{SurveyID: sv.ID, Pseudonym: "p1", Answers: map[string]any{}, CreatedAt: at}, false); !errors.Is(err, services.ErrDuplicate) {
			t.Fatalf("duplicate pseudonym error = %v, want ErrDuplicate", err)
		}
		if _, rv, err := s.InsertResponse(&services.SurveyResponse{SurveyID: sv.ID, Pseudonym: "p2", Answers: map[string]any{"q1": 3.0}, CreatedAt: at}, false); err != nil || rv != nil {
			t.Fatalf("second response = %+v, %v", rv, err)
		}
		got, err := s.GetResponse(r.ID)
		if err != nil || got.Answers["q1"] != 2.0 || got.RawTextFields["q2"] != "fritext" || got.Pseudonym != "p1" {
			t.Fatalf("GetResponse = %+v, %v", got, err)
		}
		list, err := s.ListResponsesBySurvey(sv.ID)
		if err != nil || len(list) != 2 || list[0].ID != r.ID {
			t.Fatalf("ListResponsesBySurvey = %+v, %v", list, err)
		}
		if byResp, _ := s.GetTextReviewByResponse(r.ID); byResp == nil || byResp.ID != review.ID {
			t.Fatalf("GetTextReviewByResponse = %+v", byResp)
		}

		flag, err := s.InsertTextFlag(&services.TextFlag{ResponseID: r.ID, Reason: "namn", RaisedBy: 7, CreatedAt: at})
		if err != nil {
			t.Fatalf("InsertTextFlag: %v", err)
		}
		flagged, _ := s.GetTextReview(review.ID)
		if !flagged.FlaggedForReview || flagged.Status != services.ReviewUnreviewed {
			t.Fatalf("review after flag = %+v", flagged)
		}
		if f, _ := s.GetTextFlag(flag.ID); f == nil || f.Reason != "namn" || f.RaisedBy != 7 {
			t.Fatalf("GetTextFlag = %+v", f)
		}
		resolved, err := s.MutateTextReview(review.ID, func(cur services.TextReview) (services.TextReview, error) {
			cur.Status = services.ReviewReviewedAfterFlagging
			cur.ReviewedBy = 9
			cur.ReviewedAt = at
			return cur, nil
		})
		if err != nil || resolved.Status != services.ReviewReviewedAfterFlagging || resolved.ReviewedBy != 9 || !resolved.FlaggedForReview {
			t.Fatalf("MutateTextReview = %+v, %v", resolved, err)
		}
		if none, err := s.MutateTextReview(9999, func(cur services.TextReview) (services.TextReview, error) { return cur, nil }); err != nil || none != nil {
			t.Fatalf("mutate missing review = %+v, %v", none, err)
		}
		if ev, err := s.InsertRedactionEvent(&services.TextRedactionEvent{FlagID: flag.ID, CuratorID: 9, Note: "bort", CreatedAt: at}); err != nil || ev.ID <= 0 {
			t.Fatalf("InsertRedactionEvent = %+v, %v", ev, err)
		}
		if _, err := s.InsertCuratedText(&services.CuratedText{ResponseID: r.ID, SurveyID: sv.ID, CuratorID: 9, Text: "utdrag", CreatedAt: at}); err != nil {
			t.Fatalf("InsertCuratedText: %v", err)
		}
		curated, err := s.ListCuratedTexts(sv.ID)
		if err != nil || len(curated) != 1 || curated[0].Text != "utdrag" {
			t.Fatalf("ListCuratedTexts = %+v, %v", curated, err)
		}
	})

	t.Run("snapshots and templates", func(t *testing.T) {
		s := open(t)
		sv := newSurvey(t, s)
		if snap, err := s.GetSnapshot(sv.ID); err != nil || snap != nil {
			t.Fatalf("snapshot before build = %+v, %v", snap, err)
		}
		first := &services.AggregationSnapshot{SurveyID: sv.ID, DataVersionHash: "h1", MinResponses: 5, ComputedAt: at,
			Metrics: services.Metrics{Total: 1, Questions: map[string]map[string]int{"q1": {"2": 1}}}}
		if err := s.UpsertSnapshot(first); err != nil {
			t.Fatalf("UpsertSnapshot: %v", err)
		}
		second := &services.AggregationSnapshot{SurveyID: sv.ID, DataVersionHash: "h2", MinResponses: 3, ComputedAt: at,
			Metrics: services.Metrics{Total: 2, Questions: map[string]map[string]int{"q1": {"2": 1, "3": 1}}}}
		if err := s.UpsertSnapshot(second); err != nil {
			t.Fatalf("UpsertSnapshot overwrite: %v", err)
		}
		got, err := s.GetSnapshot(sv.ID)
		if err != nil || got.DataVersionHash != "h2" || got.Metrics.Total != 2 || got.Metrics.Questions["q1"]["3"] != 1 || got.MinResponses != 3 {
			t.Fatalf("GetSnapshot = %+v, %v", got, err)
		}

		min := 3
		tpl, err := s.InsertTemplate(&services.ReportTemplate{SurveyID: sv.ID, Blocks: []services.ContentBlock{
			{Type: "heading", Content: "$kommun"},
			{Type: "text", Content: "$antal_respondenter", Condition: &services.BlockCondition{MinTotal: &min}},
		}})
		if err != nil {
			t.Fatalf("InsertTemplate: %v", err)
		}
		gotTpl, err := s.GetTemplate(tpl.ID)
		if err != nil || len(gotTpl.Blocks) != 2 || gotTpl.Blocks[1].Condition == nil || *gotTpl.Blocks[1].Condition.MinTotal != 3 {
			t.Fatalf("GetTemplate = %+v, %v", gotTpl, err)
		}
	})

	t.Run("report versions", func(t *testing.T) {
		s := open(t)
		sv := newSurvey(t, s)
		tpl, _ := s.InsertTemplate(&services.ReportTemplate{SurveyID: sv.ID, Blocks: []services.ContentBlock{{Type: "text", Content: "x"}}})
		v1, err := s.InsertReportVersion(&services.ReportVersion{TemplateID: tpl.ID, Visibility: services.VisibilityPublic, PublishedState: services.StateDraft})
		if err != nil {
			t.Fatalf("InsertReportVersion: %v", err)
		}
		v2, _ := s.InsertReportVersion(&services.ReportVersion{TemplateID: tpl.ID, Kommun: "Umeå", Visibility: services.VisibilityInternal, PublishedState: services.StateDraft})

		setURL := func(url string) func(services.ReportVersion) (services.ReportVersion, error) {
			return func(cur services.ReportVersion) (services.ReportVersion, error) {
				cur.CanonicalURL = url
				cur.PublishedState = services.StatePublished
				return cur, nil
			}
		}
		got, err := s.MutateReportVersion(v1.ID, setURL("/reports/a"))
		if err != nil || got.CanonicalURL != "/reports/a" || got.PublishedState != services.StatePublished {
			t.Fatalf("MutateReportVersion = %+v, %v", got, err)
		}
		if _, err := s.MutateReportVersion(v2.ID, setURL("/reports/a")); !errors.Is(err, services.ErrDuplicate) {
			t.Fatalf("taken url error = %v, want ErrDuplicate", err)
		}
		if cur, _ := s.GetReportVersion(v2.ID); cur.CanonicalURL != "" || cur.PublishedState != services.StateDraft {
			t.Fatalf("failed mutate left changes: %+v", cur)
		}
		conflict := services.NewConflictError("nope")
		if _, err := s.MutateReportVersion(v2.ID, func(services.ReportVersion) (services.ReportVersion, error) {
			return services.ReportVersion{}, conflict
		}); !errors.Is(err, conflict) {
			t.Fatalf("fn error not returned: %v", err)
		}
		byURL, err := s.GetReportVersionByURL("/reports/a")
		if err != nil || byURL == nil || byURL.ID != v1.ID {
			t.Fatalf("GetReportVersionByURL = %+v, %v", byURL, err)
		}
		if none, err := s.GetReportVersionByURL("/reports/none"); err != nil || none != nil {
			t.Fatalf("missing url = %+v, %v", none, err)
		}
		if _, err := s.MutateReportVersion(v1.ID, func(cur services.ReportVersion) (services.ReportVersion, error) {
			cur.ReplacedBy = v2.ID
			return cur, nil
		}); err != nil {
			t.Fatalf("set replaced_by: %v", err)
		}
		list, err := s.ListReportVersions()
		if err != nil || len(list) != 2 || list[0].ReplacedBy != v2.ID || list[1].Kommun != "Umeå" {
			t.Fatalf("ListReportVersions = %+v, %v", list, err)
		}
		if none, err := s.MutateReportVersion(9999, setURL("/reports/z")); err != nil || none != nil {
			t.Fatalf("mutate missing version = %+v, %v", none, err)
		}

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.MutateReportVersion(v2.ID, func(cur services.ReportVersion) (services.ReportVersion, error) {
					if cur.ReplacedBy != 0 {
						return cur, services.NewConflictError("already_replaced")
					}
					cur.ReplacedBy = int64(100 + i)
					return cur, nil
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !services.HasCode(err, services.ErrorConflict) {
					t.Errorf("concurrent mutate: %v", err)
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("concurrent replace winners = %d, want 1", wins)
		}
	})

	t.Run("crossed replacements", func(t *testing.T) {
		s := open(t)
		sv := newSurvey(t, s)
		tpl, _ := s.InsertTemplate(&services.ReportTemplate{SurveyID: sv.ID, Blocks: []services.ContentBlock{{Type: "text", Content: "x"}}})
		pub := services.NewPublishingService(s, nil, nil, discardAudit{})
		staff := &services.User{ID: 1, Role: services.RoleAnalyst}
		for round := 0; round < 10; round++ {
			a, _ := s.InsertReportVersion(&services.ReportVersion{TemplateID: tpl.ID, Visibility: services.VisibilityPublic, PublishedState: services.StateDraft})
			b, _ := s.InsertReportVersion(&services.ReportVersion{TemplateID: tpl.ID, Visibility: services.VisibilityPublic, PublishedState: services.StateDraft})
			var (
				wg    sync.WaitGroup
				start = make(chan struct{})
				errs  = make([]error, 2)
			)
			for i, p := range [][2]int64{{a.ID, b.ID}, {b.ID, a.ID}} {
				wg.Add(1)
				go func(i int, oldID, newID int64) {
					defer wg.Done()
					<-start
					_, errs[i] = pub.Replace(staff, oldID, newID)
				}(i, p[0], p[1])
			}
			close(start)
			wg.Wait()
			if (errs[0] == nil) == (errs[1] == nil) {
				t.Fatalf("round %d: errs = %v, want exactly one success", round, errs)
			}
			for _, err := range errs {
				if err != nil && !services.HasCode(err, services.ErrorInvalid) {
					t.Fatalf("round %d: loser error = %v, want invalid", round, err)
				}
			}
			ga, _ := s.GetReportVersion(a.ID)
			gb, _ := s.GetReportVersion(b.ID)
			if ga.ReplacedBy == b.ID && gb.ReplacedBy == a.ID {
				t.Fatalf("round %d: versions %d and %d replace each other", round, a.ID, b.ID)
			}
		}
	})
}

type discardAudit struct{}

func (discardAudit) AddAudit(*services.AuditEvent) error { return nil }
