package services

import (
	"sync"
	"testing"
)

type publishFixture struct {
	store *fakeStore
	svc   *PublishingService
	tpl   *ReportTemplate
}

func newPublishFixture(t *testing.T, responses int) *publishFixture {
	t.Helper()
	store := newFakeStore()
	sv := seedSurvey(t, store)
	tpl, err := NewReportService(store).CreateTemplate(testAnalyst, sv.ID, []ContentBlock{{Type: BlockText, Content: "$kommun: $antal_respondenter"}})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	for i := 0; i < responses; i++ {
		u := &User{ID: int64(1000 + i), Role: RoleParent, Verified: true}
		if _, err := NewResponseService(store, store).Submit(u, sv.ID, map[string]any{"trivsel": 5.0}, nil); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	mod := NewModerationService(store, store, nil)
	return &publishFixture{store: store, svc: NewPublishingService(store, store, mod, store), tpl: tpl}
}

func (f *publishFixture) snapshot(t *testing.T) {
	t.Helper()
	if _, err := NewAggregationService(f.store).BuildSnapshotForSurvey(f.tpl.SurveyID); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
}

func TestPublishDefaultsToInternalDraft(t *testing.T) {
	f := newPublishFixture(t, 0)
	if _, err := f.svc.Publish(testParent, f.tpl.ID, "", ""); !HasCode(err, ErrorUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.svc.Publish(testAnalyst, f.tpl.ID, "secret", ""); !HasCode(err, ErrorInvalid) {
		t.Fatalf("expected invalid visibility, got %v", err)
	}
	if _, err := f.svc.Publish(testAnalyst, 9999, "", ""); !HasCode(err, ErrorNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	v, err := f.svc.Publish(testAnalyst, f.tpl.ID, "", "")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if v.Visibility != VisibilityInternal || v.PublishedState != StateDraft || v.CanonicalURL != "" {
		t.Fatalf("unexpected version %+v", v)
	}
}

func TestSetPublicURLLifecycle(t *testing.T) {
	f := newPublishFixture(t, 0)
	internal, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityInternal, "")
	public, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")

	if _, err := f.svc.SetPublicURL(testAnalyst, public.ID, "Rapport 1"); !HasCode(err, ErrorInvalid) {
		t.Fatalf("expected invalid slug, got %v", err)
	}
	v, err := f.svc.SetPublicURL(testAnalyst, internal.ID, "intern")
	if err != nil || v.CanonicalURL != "/reports/intern" || v.PublishedState != StateDraft {
		t.Fatalf("internal SetPublicURL = %+v, %v; want draft with url", v, err)
	}
	if _, err := f.svc.SetPublicURL(testAnalyst, internal.ID, "intern-2"); err != nil {
		t.Fatalf("draft url should stay editable: %v", err)
	}

	v, err = f.svc.SetPublicURL(testAnalyst, public.ID, "rapport-1")
	if err != nil || v.CanonicalURL != "/reports/rapport-1" || v.PublishedState != StatePublished {
		t.Fatalf("public SetPublicURL = %+v, %v; want published", v, err)
	}
	if _, err := f.svc.SetPublicURL(testAnalyst, public.ID, "rapport-2"); !HasCode(err, ErrorConflict) {
		t.Fatalf("expected conflict on published version, got %v", err)
	}
	if _, err := f.svc.Unpublish(testAdmin, public.ID); !HasCode(err, ErrorConflict) {
		t.Fatalf("expected conflict on unpublish, got %v", err)
	}

	other, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
	if _, err := f.svc.SetPublicURL(testAnalyst, other.ID, "rapport-1"); !HasCode(err, ErrorConflict) {
		t.Fatalf("expected taken url conflict, got %v", err)
	}
}

func TestUnpublishDraft(t *testing.T) {
	f := newPublishFixture(t, 0)
	v, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
	if _, err := f.svc.Unpublish(testAnalyst, v.ID); !HasCode(err, ErrorUnauthorized) {
		t.Fatalf("expected analyst denied, got %v", err)
	}
	got, err := f.svc.Unpublish(testAdmin, v.ID)
	if err != nil || got.Visibility != VisibilityInternal {
		t.Fatalf("Unpublish = %+v, %v", got, err)
	}
	if _, err := f.svc.Unpublish(testAdmin, 9999); !HasCode(err, ErrorNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReplaceAndResolve(t *testing.T) {
	f := newPublishFixture(t, 0)
	v1, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
	v2, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
	v3, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
	if _, err := f.svc.ResolvePublicURL(v1.ID); !HasCode(err, ErrorInvalid) {
		t.Fatalf("expected missing url error, got %v", err)
	}
	f.svc.SetPublicURL(testAnalyst, v1.ID, "rapport-1")
	f.svc.SetPublicURL(testAnalyst, v2.ID, "rapport-2")

	if _, err := f.svc.Replace(testAnalyst, v1.ID, v1.ID); !HasCode(err, ErrorInvalid) {
		t.Fatalf("expected self replace rejected, got %v", err)
	}
	if _, err := f.svc.Replace(testAnalyst, v1.ID, 9999); !HasCode(err, ErrorNotFound) {
		t.Fatalf("expected missing successor rejected, got %v", err)
	}
	if _, err := f.svc.Replace(testAnalyst, v1.ID, v2.ID); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, err := f.svc.Replace(testAnalyst, v1.ID, v3.ID); !HasCode(err, ErrorConflict) {
		t.Fatalf("expected second replace conflict, got %v", err)
	}
	if _, err := f.svc.Replace(testAnalyst, v2.ID, v1.ID); !HasCode(err, ErrorInvalid) {
		t.Fatalf("expected cycle rejected, got %v", err)
	}
	// v3 has no url: resolution stops at the deepest version that has one.
	if _, err := f.svc.Replace(testAnalyst, v2.ID, v3.ID); err != nil {
		t.Fatalf("Replace v2: %v", err)
	}
	url, err := f.svc.ResolvePublicURL(v1.ID)
	if err != nil || url != "/reports/rapport-2" {
		t.Fatalf("ResolvePublicURL = %q, %v", url, err)
	}
	f.svc.SetPublicURL(testAnalyst, v3.ID, "rapport-3")
	if url, _ := f.svc.ResolvePublicURL(v1.ID); url != "/reports/rapport-3" {
		t.Fatalf("multi hop resolve = %q", url)
	}
	if _, err := f.svc.ResolvePublicURL(9999); !HasCode(err, ErrorInvalid) {
		t.Fatalf("expected invalid for unknown version, got %v", err)
	}
}

func TestConcurrentReplaceHasOneWinner(t *testing.T) {
	f := newPublishFixture(t, 0)
	old, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
	const workers = 8
	successors := make([]int64, workers)
	for i := range successors {
		v, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
		successors[i] = v.ID
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, id := range successors {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := f.svc.Replace(testAnalyst, old.ID, id); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !HasCode(err, ErrorConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestCrossedReplacementsNeverLoop(t *testing.T) {
	f := newPublishFixture(t, 0)
	for round := 0; round < 20; round++ {
		a, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
		b, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  = make([]error, 2)
		)
		pairs := [][2]int64{{a.ID, b.ID}, {b.ID, a.ID}}
		for i, p := range pairs {
			wg.Add(1)
			go func(i int, oldID, newID int64) {
				defer wg.Done()
				<-start
				_, errs[i] = f.svc.Replace(testAnalyst, oldID, newID)
			}(i, p[0], p[1])
		}
		close(start)
		wg.Wait()
		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case !HasCode(err, ErrorInvalid):
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: wins = %d, want 1 (errs %v)", round, wins, errs)
		}
		ga, _ := f.store.GetReportVersion(a.ID)
		gb, _ := f.store.GetReportVersion(b.ID)
		if ga.ReplacedBy == b.ID && gb.ReplacedBy == a.ID {
			t.Fatalf("round %d: redirect loop between %d and %d", round, a.ID, b.ID)
		}
	}
}

func TestReadPublicHidesSuccessorOfInternalVersion(t *testing.T) {
	f := newPublishFixture(t, 1)
	f.snapshot(t)
	internal, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityInternal, "")
	f.svc.SetPublicURL(testAnalyst, internal.ID, "intern-gammal")
	next, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
	f.svc.SetPublicURL(testAnalyst, next.ID, "ny")
	if _, err := f.svc.Replace(testAnalyst, internal.ID, next.ID); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	rep, err := f.svc.ReadPublic(nil, "/reports/intern-gammal")
	if !HasCode(err, ErrorUnauthorized) {
		t.Fatalf("anonymous read = %+v, %v, want unauthorized", rep, err)
	}
	rep, err = f.svc.ReadPublic(testParent, "/reports/intern-gammal")
	if err != nil || rep.Redirect != "/reports/ny" {
		t.Fatalf("signed-in read = %+v, %v, want redirect to /reports/ny", rep, err)
	}
}

func TestCanView(t *testing.T) {
	cases := []struct {
		name   string
		viewer *User
		v      ReportVersion
		want   bool
	}{
		{"public published anonymous", nil, ReportVersion{Visibility: VisibilityPublic, PublishedState: StatePublished}, true},
		{"public draft anonymous", nil, ReportVersion{Visibility: VisibilityPublic, PublishedState: StateDraft}, false},
		{"internal anonymous", nil, ReportVersion{Visibility: VisibilityInternal, PublishedState: StateDraft}, false},
		{"internal signed in", testParent, ReportVersion{Visibility: VisibilityInternal, PublishedState: StateDraft}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanView(tc.viewer, &tc.v); got != tc.want {
				t.Fatalf("CanView = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestReadPublic(t *testing.T) {
	f := newPublishFixture(t, 1)
	v1, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "Umeå")
	f.svc.SetPublicURL(testAnalyst, v1.ID, "rapport-1")

	if _, err := f.svc.ReadPublic(nil, "/reports/rapport-1"); !HasCode(err, ErrorInvalid) {
		t.Fatalf("expected aggregation missing, got %v", err)
	}
	f.snapshot(t)
	rep, err := f.svc.ReadPublic(nil, "/reports/rapport-1")
	if err != nil {
		t.Fatalf("ReadPublic: %v", err)
	}
	if rep.CanonicalURL != "/reports/rapport-1" || rep.Payload.Kommun != "Umeå" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if !rep.Payload.SmallNBanner || rep.Payload.Blocks[0].Content != "Umeå: X" {
		t.Fatalf("small n not applied: %+v", rep.Payload)
	}

	f.store.InsertBaseProfile(&BaseProfile{UserID: testParent.ID, Kommun: "Luleå"})
	rep, _ = f.svc.ReadPublic(testParent, "/reports/rapport-1")
	if rep.Payload.Kommun != "Luleå" {
		t.Fatalf("viewer kommun not preferred: %q", rep.Payload.Kommun)
	}

	internal, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityInternal, "")
	f.svc.SetPublicURL(testAnalyst, internal.ID, "intern")
	if _, err := f.svc.ReadPublic(nil, "/reports/intern"); !HasCode(err, ErrorUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	rep, err = f.svc.ReadPublic(testAnalyst, "/reports/intern")
	if err != nil || rep.Payload.Kommun != "Sverige" {
		t.Fatalf("default kommun = %+v, %v", rep, err)
	}

	v2, _ := f.svc.Publish(testAnalyst, f.tpl.ID, VisibilityPublic, "")
	f.svc.SetPublicURL(testAnalyst, v2.ID, "rapport-2")
	f.svc.Replace(testAnalyst, v1.ID, v2.ID)
	rep, err = f.svc.ReadPublic(nil, "/reports/rapport-1")
	if err != nil || rep.Redirect != "/reports/rapport-2" || rep.Payload != nil {
		t.Fatalf("expected redirect, got %+v, %v", rep, err)
	}
	if _, err := f.svc.ReadPublic(nil, "/reports/none"); !HasCode(err, ErrorNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	list, err := f.svc.ListPublicReports()
	if err != nil || len(list) != 1 || list[0] != "/reports/rapport-2" {
		t.Fatalf("ListPublicReports = %v, %v", list, err)
	}
}
