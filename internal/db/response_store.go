package db

import (
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/soaringjerry/Hubben/internal/services"
	"github.com/soaringjerry/Hubben/internal/store"
)

// ResponseStore persists pseudonymized responses and everything derived from
// them: snapshots, templates, report versions and moderation state.
type ResponseStore struct {
	sqlBase
}

var _ store.Responses = (*ResponseStore)(nil)

func NewResponseStore(db *sql.DB, dialect Dialect, log *zap.Logger) (*ResponseStore, error) {
	base, err := newBase(db, dialect, log)
	if err != nil {
		return nil, err
	}
	return &ResponseStore{sqlBase: base}, nil
}

// --- surveys ---

const surveyColumns = `id, schema_json, base_block_policy, feedback_mode, min_responses_default`

func scanSurvey(row rowScanner) (*services.Survey, error) {
	var (
		sv     services.Survey
		schema string
	)
	if err := row.Scan(&sv.ID, &schema, &sv.BaseBlockPolicy, &sv.FeedbackMode, &sv.MinResponsesDefault); err != nil {
		return nil, err
	}
	if err := decodeJSON(schema, &sv.Schema); err != nil {
		return nil, err
	}
	return &sv, nil
}

func (s *ResponseStore) InsertSurvey(sv *services.Survey) (*services.Survey, error) {
	schema, err := encodeJSON(sv.Schema)
	if err != nil {
		return nil, err
	}
	cp := *sv
	err = s.db.QueryRow(s.q(`INSERT INTO surveys (schema_json, base_block_policy, feedback_mode, min_responses_default)
      VALUES (?, ?, ?, ?) RETURNING id`),
		schema, sv.BaseBlockPolicy, sv.FeedbackMode, sv.MinResponsesDefault).Scan(&cp.ID)
	if err != nil {
		return nil, s.fail("InsertSurvey", err)
	}
	return &cp, nil
}

func (s *ResponseStore) GetSurvey(id int64) (*services.Survey, error) {
	sv, err := scanSurvey(s.db.QueryRow(s.q(`SELECT `+surveyColumns+` FROM surveys WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetSurvey", err)
	}
	return sv, nil
}

func (s *ResponseStore) ListSurveys() ([]*services.Survey, error) {
	rows, err := s.db.Query(`SELECT ` + surveyColumns + ` FROM surveys ORDER BY id ASC`)
	if err != nil {
		return nil, s.fail("ListSurveys: query", err)
	}
	defer s.closeRows("ListSurveys", rows)
	out := []*services.Survey{}
	for rows.Next() {
		sv, err := scanSurvey(rows)
		if err != nil {
			return nil, s.fail("ListSurveys: scan", err)
		}
		out = append(out, sv)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("ListSurveys: rows", err)
	}
	return out, nil
}

// --- responses ---

const responseColumns = `id, survey_id, pseudonym, answers, raw_text_fields, created_at`

func scanResponse(row rowScanner) (*services.SurveyResponse, error) {
	var (
		r             services.SurveyResponse
		answers, text string
		created       sql.NullString
	)
	if err := row.Scan(&r.ID, &r.SurveyID, &r.Pseudonym, &answers, &text, &created); err != nil {
		return nil, err
	}
	r.Answers = map[string]any{}
	r.RawTextFields = map[string]string{}
	if err := decodeJSON(answers, &r.Answers); err != nil {
		return nil, err
	}
	if err := decodeJSON(text, &r.RawTextFields); err != nil {
		return nil, err
	}
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// InsertResponse writes the response and, when asked, its unreviewed text
// review in one transaction. survey_id+pseudonym is unique.
func (s *ResponseStore) InsertResponse(r *services.SurveyResponse, withReview bool) (*services.SurveyResponse, *services.TextReview, error) {
	answers := r.Answers
	if answers == nil {
		answers = map[string]any{}
	}
	text := r.RawTextFields
	if text == nil {
		text = map[string]string{}
	}
	rawAnswers, err := encodeJSON(answers)
	if err != nil {
		return nil, nil, err
	}
	rawText, err := encodeJSON(text)
	if err != nil {
		return nil, nil, err
	}
	cp := *r
	var review *services.TextReview
	err = s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(s.q(`INSERT INTO survey_responses (survey_id, pseudonym, answers, raw_text_fields, created_at)
          VALUES (?, ?, ?, ?, ?) RETURNING id`),
			r.SurveyID, r.Pseudonym, rawAnswers, rawText, formatTime(r.CreatedAt)).Scan(&cp.ID); err != nil {
			return err
		}
		if !withReview {
			return nil
		}
		rv := services.TextReview{ResponseID: cp.ID, Status: services.ReviewUnreviewed}
		if err := tx.QueryRow(s.q(`INSERT INTO text_reviews (response_id, status, flagged_for_review) VALUES (?, ?, 0) RETURNING id`),
			cp.ID, string(rv.Status)).Scan(&rv.ID); err != nil {
			return err
		}
		review = &rv
		return nil
	})
	if err != nil {
		return nil, nil, s.fail("InsertResponse", err)
	}
	return &cp, review, nil
}

func (s *ResponseStore) GetResponse(id int64) (*services.SurveyResponse, error) {
	r, err := scanResponse(s.db.QueryRow(s.q(`SELECT `+responseColumns+` FROM survey_responses WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetResponse", err)
	}
	return r, nil
}

func (s *ResponseStore) ListResponsesBySurvey(surveyID int64) ([]*services.SurveyResponse, error) {
	rows, err := s.db.Query(s.q(`SELECT `+responseColumns+` FROM survey_responses WHERE survey_id = ? ORDER BY id ASC`), surveyID)
	if err != nil {
		return nil, s.fail("ListResponsesBySurvey: query", err)
	}
	defer s.closeRows("ListResponsesBySurvey", rows)
	out := []*services.SurveyResponse{}
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, s.fail("ListResponsesBySurvey: scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("ListResponsesBySurvey: rows", err)
	}
	return out, nil
}

// --- snapshots and templates ---

func (s *ResponseStore) UpsertSnapshot(snap *services.AggregationSnapshot) error {
	metrics, err := encodeJSON(snap.Metrics)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.q(`INSERT INTO aggregation_snapshots (survey_id, data_version_hash, metrics, min_responses, computed_at)
      VALUES (?, ?, ?, ?, ?)
      ON CONFLICT (survey_id) DO UPDATE SET
        data_version_hash = excluded.data_version_hash,
        metrics = excluded.metrics,
        min_responses = excluded.min_responses,
        computed_at = excluded.computed_at`),
		snap.SurveyID, snap.DataVersionHash, metrics, snap.MinResponses, formatTime(snap.ComputedAt))
	return s.fail("UpsertSnapshot", err)
}

func (s *ResponseStore) GetSnapshot(surveyID int64) (*services.AggregationSnapshot, error) {
	var (
		snap     services.AggregationSnapshot
		metrics  string
		computed sql.NullString
	)
	err := s.db.QueryRow(s.q(`SELECT survey_id, data_version_hash, metrics, min_responses, computed_at
      FROM aggregation_snapshots WHERE survey_id = ?`), surveyID).
		Scan(&snap.SurveyID, &snap.DataVersionHash, &metrics, &snap.MinResponses, &computed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetSnapshot", err)
	}
	if err := decodeJSON(metrics, &snap.Metrics); err != nil {
		return nil, s.fail("GetSnapshot: metrics", err)
	}
	snap.ComputedAt = parseTime(computed)
	return &snap, nil
}

func (s *ResponseStore) InsertTemplate(t *services.ReportTemplate) (*services.ReportTemplate, error) {
	blocks := t.Blocks
	if blocks == nil {
		blocks = []services.ContentBlock{}
	}
	raw, err := encodeJSON(blocks)
	if err != nil {
		return nil, err
	}
	cp := *t
	cp.Blocks = append([]services.ContentBlock(nil), blocks...)
	err = s.db.QueryRow(s.q(`INSERT INTO report_templates (survey_id, blocks) VALUES (?, ?) RETURNING id`), t.SurveyID, raw).Scan(&cp.ID)
	if err != nil {
		return nil, s.fail("InsertTemplate", err)
	}
	return &cp, nil
}

func (s *ResponseStore) GetTemplate(id int64) (*services.ReportTemplate, error) {
	var (
		t   services.ReportTemplate
		raw string
	)
	err := s.db.QueryRow(s.q(`SELECT id, survey_id, blocks FROM report_templates WHERE id = ?`), id).Scan(&t.ID, &t.SurveyID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetTemplate", err)
	}
	if err := decodeJSON(raw, &t.Blocks); err != nil {
		return nil, s.fail("GetTemplate: blocks", err)
	}
	return &t, nil
}

// --- report versions ---

const versionColumns = `id, template_id, kommun, visibility, published_state, canonical_url, replaced_by`

func scanVersion(row rowScanner) (*services.ReportVersion, error) {
	var (
		v                     services.ReportVersion
		kommun, url           sql.NullString
		visibility, published string
		replacedBy            sql.NullInt64
	)
	if err := row.Scan(&v.ID, &v.TemplateID, &kommun, &visibility, &published, &url, &replacedBy); err != nil {
		return nil, err
	}
	v.Kommun = kommun.String
	v.Visibility = services.Visibility(visibility)
	v.PublishedState = services.PublishedState(published)
	v.CanonicalURL = url.String
	v.ReplacedBy = replacedBy.Int64
	return &v, nil
}

func (s *ResponseStore) InsertReportVersion(v *services.ReportVersion) (*services.ReportVersion, error) {
	cp := *v
	err := s.db.QueryRow(s.q(`INSERT INTO report_versions (template_id, kommun, visibility, published_state, canonical_url, replaced_by)
      VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		v.TemplateID, toNullString(v.Kommun), string(v.Visibility), string(v.PublishedState),
		toNullString(v.CanonicalURL), toNullInt(v.ReplacedBy)).Scan(&cp.ID)
	if err != nil {
		return nil, s.fail("InsertReportVersion", err)
	}
	return &cp, nil
}

func (s *ResponseStore) GetReportVersion(id int64) (*services.ReportVersion, error) {
	v, err := scanVersion(s.db.QueryRow(s.q(`SELECT `+versionColumns+` FROM report_versions WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetReportVersion", err)
	}
	return v, nil
}

func (s *ResponseStore) GetReportVersionByURL(url string) (*services.ReportVersion, error) {
	v, err := scanVersion(s.db.QueryRow(s.q(`SELECT `+versionColumns+` FROM report_versions WHERE canonical_url = ?`), url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetReportVersionByURL", err)
	}
	return v, nil
}

func (s *ResponseStore) ListReportVersions() ([]*services.ReportVersion, error) {
	rows, err := s.db.Query(`SELECT ` + versionColumns + ` FROM report_versions ORDER BY id ASC`)
	if err != nil {
		return nil, s.fail("ListReportVersions: query", err)
	}
	defer s.closeRows("ListReportVersions", rows)
	out := []*services.ReportVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, s.fail("ListReportVersions: scan", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("ListReportVersions: rows", err)
	}
	return out, nil
}

// replacementLock is the PostgreSQL advisory lock key that serializes
// successor-chain writes. SQLite gets the same from _txlock=immediate.
const replacementLock int64 = 0x48554242

// MutateReportVersion applies fn under a row lock. A taken canonical_url
// rolls the whole change back and surfaces as services.ErrDuplicate.
func (s *ResponseStore) MutateReportVersion(id int64, fn func(services.ReportVersion) (services.ReportVersion, error)) (*services.ReportVersion, error) {
	return s.mutateVersion("MutateReportVersion", id, false, func(_ *sql.Tx, cur services.ReportVersion) (services.ReportVersion, error) {
		return fn(cur)
	})
}

// MutateReplacement runs fn with a lookup bound to the same transaction.
func (s *ResponseStore) MutateReplacement(id int64, fn func(services.ReportVersion, services.VersionLookup) (services.ReportVersion, error)) (*services.ReportVersion, error) {
	return s.mutateVersion("MutateReplacement", id, true, func(tx *sql.Tx, cur services.ReportVersion) (services.ReportVersion, error) {
		return fn(cur, func(other int64) (*services.ReportVersion, error) {
			v, err := scanVersion(tx.QueryRow(s.q(`SELECT `+versionColumns+` FROM report_versions WHERE id = ?`), other))
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return v, err
		})
	})
}

func (s *ResponseStore) mutateVersion(op string, id int64, serialize bool, fn func(*sql.Tx, services.ReportVersion) (services.ReportVersion, error)) (*services.ReportVersion, error) {
	var out *services.ReportVersion
	err := s.withTx(func(tx *sql.Tx) error {
		if serialize && s.dialect == DialectPostgres {
			if _, err := tx.Exec(`SELECT pg_advisory_xact_lock($1)`, replacementLock); err != nil {
				return err
			}
		}
		cur, err := scanVersion(tx.QueryRow(s.q(`SELECT `+versionColumns+` FROM report_versions WHERE id = ?`+s.forUpdate()), id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		next, err := fn(tx, *cur)
		if err != nil {
			return err
		}
		next.ID = id
		if _, err := tx.Exec(s.q(`UPDATE report_versions SET template_id = ?, kommun = ?, visibility = ?, published_state = ?,
          canonical_url = ?, replaced_by = ? WHERE id = ?`),
			next.TemplateID, toNullString(next.Kommun), string(next.Visibility), string(next.PublishedState),
			toNullString(next.CanonicalURL), toNullInt(next.ReplacedBy), id); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}
	return out, nil
}

// --- moderation ---

const reviewColumns = `id, response_id, status, flagged_for_review, reviewed_by, reviewed_at`

func scanReview(row rowScanner) (*services.TextReview, error) {
	var (
		r          services.TextReview
		status     string
		flagged    int64
		reviewedBy sql.NullInt64
		reviewedAt sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ResponseID, &status, &flagged, &reviewedBy, &reviewedAt); err != nil {
		return nil, err
	}
	r.Status = services.ReviewStatus(status)
	r.FlaggedForReview = int64ToBool(flagged)
	r.ReviewedBy = reviewedBy.Int64
	r.ReviewedAt = parseTime(reviewedAt)
	return &r, nil
}

func (s *ResponseStore) GetTextReview(id int64) (*services.TextReview, error) {
	r, err := scanReview(s.db.QueryRow(s.q(`SELECT `+reviewColumns+` FROM text_reviews WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetTextReview", err)
	}
	return r, nil
}

func (s *ResponseStore) GetTextReviewByResponse(responseID int64) (*services.TextReview, error) {
	r, err := scanReview(s.db.QueryRow(s.q(`SELECT `+reviewColumns+` FROM text_reviews WHERE response_id = ?`), responseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetTextReviewByResponse", err)
	}
	return r, nil
}

func (s *ResponseStore) MutateTextReview(id int64, fn func(services.TextReview) (services.TextReview, error)) (*services.TextReview, error) {
	var out *services.TextReview
	err := s.withTx(func(tx *sql.Tx) error {
		cur, err := scanReview(tx.QueryRow(s.q(`SELECT `+reviewColumns+` FROM text_reviews WHERE id = ?`+s.forUpdate()), id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		next, err := fn(*cur)
		if err != nil {
			return err
		}
		next.ID = id
		next.ResponseID = cur.ResponseID
		if _, err := tx.Exec(s.q(`UPDATE text_reviews SET status = ?, flagged_for_review = ?, reviewed_by = ?, reviewed_at = ? WHERE id = ?`),
			string(next.Status), boolToInt64(next.FlaggedForReview), toNullInt(next.ReviewedBy), toNullTime(next.ReviewedAt), id); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, s.fail("MutateTextReview", err)
	}
	return out, nil
}

// InsertTextFlag records the flag and raises flagged_for_review on the
// response's review in the same transaction. The review status is untouched.
func (s *ResponseStore) InsertTextFlag(f *services.TextFlag) (*services.TextFlag, error) {
	cp := *f
	err := s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(s.q(`INSERT INTO text_flags (response_id, reason, raised_by, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
			f.ResponseID, f.Reason, f.RaisedBy, formatTime(f.CreatedAt)).Scan(&cp.ID); err != nil {
			return err
		}
		_, err := tx.Exec(s.q(`UPDATE text_reviews SET flagged_for_review = 1 WHERE response_id = ?`), f.ResponseID)
		return err
	})
	if err != nil {
		return nil, s.fail("InsertTextFlag", err)
	}
	return &cp, nil
}

func (s *ResponseStore) GetTextFlag(id int64) (*services.TextFlag, error) {
	var (
		f       services.TextFlag
		created sql.NullString
	)
	err := s.db.QueryRow(s.q(`SELECT id, response_id, reason, raised_by, created_at FROM text_flags WHERE id = ?`), id).
		Scan(&f.ID, &f.ResponseID, &f.Reason, &f.RaisedBy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetTextFlag", err)
	}
	f.CreatedAt = parseTime(created)
	return &f, nil
}

func (s *ResponseStore) InsertRedactionEvent(e *services.TextRedactionEvent) (*services.TextRedactionEvent, error) {
	cp := *e
	err := s.db.QueryRow(s.q(`INSERT INTO text_redaction_events (flag_id, curator_id, note, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		e.FlagID, e.CuratorID, e.Note, formatTime(e.CreatedAt)).Scan(&cp.ID)
	if err != nil {
		return nil, s.fail("InsertRedactionEvent", err)
	}
	return &cp, nil
}

func (s *ResponseStore) InsertCuratedText(c *services.CuratedText) (*services.CuratedText, error) {
	cp := *c
	err := s.db.QueryRow(s.q(`INSERT INTO curated_texts (response_id, survey_id, curator_id, text, created_at) VALUES (?, ?, ?, ?, ?) RETURNING id`),
		c.ResponseID, c.SurveyID, c.CuratorID, c.Text, formatTime(c.CreatedAt)).Scan(&cp.ID)
	if err != nil {
		return nil, s.fail("InsertCuratedText", err)
	}
	return &cp, nil
}

func (s *ResponseStore) ListCuratedTexts(surveyID int64) ([]*services.CuratedText, error) {
	rows, err := s.db.Query(s.q(`SELECT id, response_id, survey_id, curator_id, text, created_at
      FROM curated_texts WHERE survey_id = ? ORDER BY id ASC`), surveyID)
	if err != nil {
		return nil, s.fail("ListCuratedTexts: query", err)
	}
	defer s.closeRows("ListCuratedTexts", rows)
	out := []*services.CuratedText{}
	for rows.Next() {
		var (
			c       services.CuratedText
			created sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ResponseID, &c.SurveyID, &c.CuratorID, &c.Text, &created); err != nil {
			return nil, s.fail("ListCuratedTexts: scan", err)
		}
		c.CreatedAt = parseTime(created)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("ListCuratedTexts: rows", err)
	}
	return out, nil
}
