package services

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type AuthStore interface {
	InsertUser(u *User) (*User, error)
	GetUser(id int64) (*User, error)
	FindUserByEmail(email string) (*User, error)
	UpdateUser(id int64, fn func(User) (User, error)) (*User, error)
	SetVerificationHash(userID int64, hash []byte) error
	GetVerificationHash(userID int64) ([]byte, error)
	DeleteVerificationHash(userID int64) error
	AddConsentRecord(cr *ConsentRecord) (*ConsentRecord, error)
	// CreateRegistration stores the user, its consent record and its
	// verification hash together or not at all. consent.UserID is filled in.
	// A taken email returns ErrDuplicate.
	CreateRegistration(u *User, consent *ConsentRecord, verificationHash []byte) (*User, error)
	AddAudit(e *AuditEvent) error
}

// TokenSigner issues a session token carrying the user id, role and CSRF token.
type TokenSigner func(uid int64, role Role, csrf string, ttl time.Duration) (string, error)

type AuthService struct {
	store          AuthStore
	limiter        RateLimiter
	signToken      TokenSigner
	now            func() time.Time
	secret         func() (string, error)
	tokenTTL       time.Duration
	consentVersion string
	bcryptCost     int
}

type RegisterResult struct {
	User              *User
	VerificationToken string
}

func NewAuthService(store AuthStore, limiter RateLimiter, signer TokenSigner) *AuthService {
	return &AuthService{
		store:          store,
		limiter:        limiter,
		signToken:      signer,
		now:            func() time.Time { return time.Now().UTC() },
		secret:         func() (string, error) { return randomToken(16) },
		tokenTTL:       24 * time.Hour,
		consentVersion: "v1",
		bcryptCost:     bcrypt.DefaultCost,
	}
}

// SetConsentVersion sets the version recorded on the base consent granted at registration.
func (s *AuthService) SetConsentVersion(v string) {
	if strings.TrimSpace(v) != "" {
		s.consentVersion = v
	}
}

func (s *AuthService) SetTokenTTL(ttl time.Duration) {
	if ttl > 0 {
		s.tokenTTL = ttl
	}
}

func (s *AuthService) TokenTTL() time.Duration { return s.tokenTTL }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at != strings.LastIndexByte(email, '@') || at == len(email)-1 {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}

// Register creates an unverified parent plus its initial base consent and
// returns a one-time verification token. Only a bcrypt hash of the token is stored.
func (s *AuthService) Register(email string) (*RegisterResult, error) {
	email = normalizeEmail(email)
	if !validEmail(email) {
		return nil, NewInvalidError("invalid_email")
	}
	existing, err := s.store.FindUserByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewConflictError("email_exists")
	}
	secret, err := s.secret()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.bcryptCost)
	if err != nil {
		return nil, err
	}
	now := s.now()
	user, err := s.store.CreateRegistration(
		&User{Email: email, Role: RoleParent, CreatedAt: now},
		&ConsentRecord{Type: ConsentBase, Version: s.consentVersion, Status: ConsentGranted, Timestamp: now},
		hash,
	)
	if isDuplicate(err) {
		return nil, NewConflictError("email_exists")
	}
	if err != nil {
		return nil, err
	}
	return &RegisterResult{User: user, VerificationToken: fmt.Sprintf("%d.%s", user.ID, secret)}, nil
}

func (s *AuthService) VerifyEmail(token string) (*User, error) {
	idPart, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || secret == "" {
		return nil, NewInvalidError("invalid_token")
	}
	uid, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || uid <= 0 {
		return nil, NewInvalidError("invalid_token")
	}
	hash, err := s.store.GetVerificationHash(uid)
	if err != nil {
		return nil, err
	}
	if len(hash) == 0 || bcrypt.CompareHashAndPassword(hash, []byte(secret)) != nil {
		return nil, NewInvalidError("invalid_token")
	}
	if err := s.store.DeleteVerificationHash(uid); err != nil {
		return nil, err
	}
	return s.store.UpdateUser(uid, func(u User) (User, error) {
		u.Verified = true
		return u, nil
	})
}

// Login spends one attempt of the per-email budget before any lookup.
func (s *AuthService) Login(email string) (*Session, error) {
	email = normalizeEmail(email)
	if err := s.limiter.RegisterAttempt(email); err != nil {
		return nil, err
	}
	u, err := s.store.FindUserByEmail(email)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.Verified {
		return nil, NewInvalidError("invalid_credentials")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	csrf := uuid.NewString()
	token, err := s.signToken(u.ID, u.Role, csrf, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, CSRFToken: csrf, UserID: u.ID, ExpiresAt: s.now().Add(s.tokenTTL)}, nil
}

// ChangeRole is admin-only and always leaves an audit trail.
func (s *AuthService) ChangeRole(actor *User, targetID int64, role Role) (*User, error) {
	if err := RequireRole(actor, adminRoles...); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, NewInvalidError("invalid_role")
	}
	target, err := s.store.GetUser(targetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, NewNotFoundError("user_not_found")
	}
	updated, err := s.store.UpdateUser(targetID, func(u User) (User, error) {
		u.Role = role
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.AddAudit(&AuditEvent{
		ActorID:      actor.ID,
		TargetUserID: targetID,
		Action:       "role_change:" + string(role),
		Time:         s.now(),
	}); err != nil {
		return nil, err
	}
	return updated, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
