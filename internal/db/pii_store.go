package db

import (
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/Hubben/internal/services"
	"github.com/soaringjerry/Hubben/internal/store"
)

// PIIStore persists identities and everything keyed by them. It lives in a
// database of its own and shares no table with ResponseStore.
type PIIStore struct {
	sqlBase
}

var _ store.PII = (*PIIStore)(nil)

func NewPIIStore(db *sql.DB, dialect Dialect, log *zap.Logger) (*PIIStore, error) {
	base, err := newBase(db, dialect, log)
	if err != nil {
		return nil, err
	}
	return &PIIStore{sqlBase: base}, nil
}

const userColumns = `id, email, role, verified, created_at`

func scanUser(row rowScanner) (*services.User, error) {
	var (
		u        services.User
		role     string
		verified int64
		created  sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Email, &role, &verified, &created); err != nil {
		return nil, err
	}
	u.Role = services.Role(role)
	u.Verified = int64ToBool(verified)
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func (s *PIIStore) InsertUser(u *services.User) (*services.User, error) {
	cp := *u
	err := s.db.QueryRow(s.q(`INSERT INTO users (email, role, verified, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		u.Email, string(u.Role), boolToInt64(u.Verified), formatTime(u.CreatedAt)).Scan(&cp.ID)
	if err != nil {
		return nil, s.fail("InsertUser", err)
	}
	return &cp, nil
}

// CreateRegistration writes the user, consent and verification hash in one transaction.
func (s *PIIStore) CreateRegistration(u *services.User, consent *services.ConsentRecord, hash []byte) (*services.User, error) {
	cp := *u
	err := s.withTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(s.q(`INSERT INTO users (email, role, verified, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
			u.Email, string(u.Role), boolToInt64(u.Verified), formatTime(u.CreatedAt)).Scan(&cp.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(s.q(`INSERT INTO consent_records (user_id, consent_type, version, status, created_at)
      VALUES (?, ?, ?, ?, ?)`),
			cp.ID, consent.Type, consent.Version, string(consent.Status), formatTime(consent.Timestamp)); err != nil {
			return err
		}
		_, err := tx.Exec(s.q(`INSERT INTO verification_hashes (user_id, hash) VALUES (?, ?)`), cp.ID, hash)
		return err
	})
	if err != nil {
		return nil, s.fail("CreateRegistration", err)
	}
	return &cp, nil
}

func (s *PIIStore) GetUser(id int64) (*services.User, error) {
	u, err := scanUser(s.db.QueryRow(s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetUser", err)
	}
	return u, nil
}

func (s *PIIStore) FindUserByEmail(email string) (*services.User, error) {
	u, err := scanUser(s.db.QueryRow(s.q(`SELECT `+userColumns+` FROM users WHERE email = ?`), email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("FindUserByEmail", err)
	}
	return u, nil
}

func (s *PIIStore) UpdateUser(id int64, fn func(services.User) (services.User, error)) (*services.User, error) {
	var out *services.User
	err := s.withTx(func(tx *sql.Tx) error {
		cur, err := scanUser(tx.QueryRow(s.q(`SELECT `+userColumns+` FROM users WHERE id = ?`+s.forUpdate()), id))
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
		if _, err := tx.Exec(s.q(`UPDATE users SET email = ?, role = ?, verified = ? WHERE id = ?`),
			next.Email, string(next.Role), boolToInt64(next.Verified), id); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, s.fail("UpdateUser", err)
	}
	return out, nil
}

func (s *PIIStore) SetVerificationHash(userID int64, hash []byte) error {
	_, err := s.db.Exec(s.q(`INSERT INTO verification_hashes (user_id, hash) VALUES (?, ?)
      ON CONFLICT (user_id) DO UPDATE SET hash = excluded.hash`), userID, hash)
	return s.fail("SetVerificationHash", err)
}

func (s *PIIStore) GetVerificationHash(userID int64) ([]byte, error) {
	var hash []byte
	err := s.db.QueryRow(s.q(`SELECT hash FROM verification_hashes WHERE user_id = ?`), userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetVerificationHash", err)
	}
	return hash, nil
}

func (s *PIIStore) DeleteVerificationHash(userID int64) error {
	_, err := s.db.Exec(s.q(`DELETE FROM verification_hashes WHERE user_id = ?`), userID)
	return s.fail("DeleteVerificationHash", err)
}

func (s *PIIStore) AddConsentRecord(cr *services.ConsentRecord) (*services.ConsentRecord, error) {
	cp := *cr
	err := s.db.QueryRow(s.q(`INSERT INTO consent_records (user_id, consent_type, version, status, created_at)
      VALUES (?, ?, ?, ?, ?) RETURNING id`),
		cr.UserID, cr.Type, cr.Version, string(cr.Status), formatTime(cr.Timestamp)).Scan(&cp.ID)
	if err != nil {
		return nil, s.fail("AddConsentRecord", err)
	}
	return &cp, nil
}

func (s *PIIStore) ListConsentRecords(userID int64) ([]*services.ConsentRecord, error) {
	rows, err := s.db.Query(s.q(`SELECT id, user_id, consent_type, version, status, created_at
      FROM consent_records WHERE user_id = ? ORDER BY id ASC`), userID)
	if err != nil {
		return nil, s.fail("ListConsentRecords: query", err)
	}
	defer s.closeRows("ListConsentRecords", rows)
	out := []*services.ConsentRecord{}
	for rows.Next() {
		var (
			cr      services.ConsentRecord
			status  string
			created sql.NullString
		)
		if err := rows.Scan(&cr.ID, &cr.UserID, &cr.Type, &cr.Version, &status, &created); err != nil {
			return nil, s.fail("ListConsentRecords: scan", err)
		}
		cr.Status = services.ConsentStatus(status)
		cr.Timestamp = parseTime(created)
		out = append(out, &cr)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("ListConsentRecords: rows", err)
	}
	return out, nil
}

func (s *PIIStore) AddAudit(e *services.AuditEvent) error {
	_, err := s.db.Exec(s.q(`INSERT INTO audit_events (actor_id, target_user_id, action, target, note, created_at)
      VALUES (?, ?, ?, ?, ?, ?)`),
		e.ActorID, toNullInt(e.TargetUserID), e.Action, toNullString(e.Target), toNullString(e.Note), formatTime(e.Time))
	return s.fail("AddAudit", err)
}

func (s *PIIStore) ListAudit() ([]*services.AuditEvent, error) {
	rows, err := s.db.Query(`SELECT id, actor_id, target_user_id, action, target, note, created_at FROM audit_events ORDER BY id ASC`)
	if err != nil {
		return nil, s.fail("ListAudit: query", err)
	}
	defer s.closeRows("ListAudit", rows)
	out := []*services.AuditEvent{}
	for rows.Next() {
		var (
			e            services.AuditEvent
			target, note sql.NullString
			targetUser   sql.NullInt64
			created      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ActorID, &targetUser, &e.Action, &target, &note, &created); err != nil {
			return nil, s.fail("ListAudit: scan", err)
		}
		e.TargetUserID = targetUser.Int64
		e.Target = target.String
		e.Note = note.String
		e.Time = parseTime(created)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("ListAudit: rows", err)
	}
	return out, nil
}

func (s *PIIStore) GetPseudonym(userID int64) (string, error) {
	var p string
	err := s.db.QueryRow(s.q(`SELECT pseudonym FROM pseudonyms WHERE user_id = ?`), userID).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", s.fail("GetPseudonym", err)
	}
	return p, nil
}

// CreatePseudonymIfAbsent relies on the user_id primary key: of racing
// inserts one wins and the rest read the winner's token back.
func (s *PIIStore) CreatePseudonymIfAbsent(userID int64, token string) (string, error) {
	if _, err := s.db.Exec(s.q(`INSERT INTO pseudonyms (user_id, pseudonym) VALUES (?, ?)
      ON CONFLICT (user_id) DO NOTHING`), userID, token); err != nil {
		return "", s.fail("CreatePseudonymIfAbsent", err)
	}
	return s.GetPseudonym(userID)
}

func (s *PIIStore) ClaimSubmission(userID, surveyID int64) (bool, error) {
	res, err := s.db.Exec(s.q(`INSERT INTO submission_markers (user_id, survey_id, created_at) VALUES (?, ?, ?)
      ON CONFLICT (user_id, survey_id) DO NOTHING`), userID, surveyID, formatTime(time.Now()))
	if err != nil {
		return false, s.fail("ClaimSubmission", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.fail("ClaimSubmission: rows affected", err)
	}
	return n == 1, nil
}

func (s *PIIStore) ReleaseSubmission(userID, surveyID int64) error {
	_, err := s.db.Exec(s.q(`DELETE FROM submission_markers WHERE user_id = ? AND survey_id = ?`), userID, surveyID)
	return s.fail("ReleaseSubmission", err)
}

func (s *PIIStore) HasSubmitted(userID, surveyID int64) (bool, error) {
	var one int
	err := s.db.QueryRow(s.q(`SELECT 1 FROM submission_markers WHERE user_id = ? AND survey_id = ?`), userID, surveyID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.fail("HasSubmitted", err)
	}
	return true, nil
}

func (s *PIIStore) GetBaseProfile(userID int64) (*services.BaseProfile, error) {
	var (
		p    services.BaseProfile
		cats string
	)
	err := s.db.QueryRow(s.q(`SELECT id, user_id, kommun, categories FROM base_profiles WHERE user_id = ?`), userID).
		Scan(&p.ID, &p.UserID, &p.Kommun, &cats)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("GetBaseProfile", err)
	}
	p.Categories = []string{}
	if err := decodeJSON(cats, &p.Categories); err != nil {
		return nil, s.fail("GetBaseProfile: categories", err)
	}
	return &p, nil
}

func (s *PIIStore) InsertBaseProfile(p *services.BaseProfile) (*services.BaseProfile, error) {
	cats := p.Categories
	if cats == nil {
		cats = []string{}
	}
	raw, err := encodeJSON(cats)
	if err != nil {
		return nil, err
	}
	cp := *p
	cp.Categories = append([]string{}, cats...)
	err = s.db.QueryRow(s.q(`INSERT INTO base_profiles (user_id, kommun, categories) VALUES (?, ?, ?) RETURNING id`),
		p.UserID, p.Kommun, raw).Scan(&cp.ID)
	if err != nil {
		return nil, s.fail("InsertBaseProfile", err)
	}
	return &cp, nil
}
