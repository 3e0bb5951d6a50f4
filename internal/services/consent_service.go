package services

import (
	"strings"
	"time"
)

type ConsentStore interface {
	AddConsentRecord(cr *ConsentRecord) (*ConsentRecord, error)
	ListConsentRecords(userID int64) ([]*ConsentRecord, error)
}

// ConsentService keeps an append-only ledger. Records are never updated or
// deleted; the current status of a (user, type) pair is its latest record.
type ConsentService struct {
	store ConsentStore
	now   func() time.Time
}

func NewConsentService(store ConsentStore) *ConsentService {
	return &ConsentService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *ConsentService) Grant(user *User, consentType, version string) (*ConsentRecord, error) {
	return s.append(user, consentType, version, ConsentGranted)
}

func (s *ConsentService) Withdraw(user *User, consentType, version string) (*ConsentRecord, error) {
	return s.append(user, consentType, version, ConsentWithdrawn)
}

func (s *ConsentService) append(user *User, consentType, version string, status ConsentStatus) (*ConsentRecord, error) {
	if user == nil {
		return nil, NewUnauthorizedError("unauthorized")
	}
	consentType = strings.TrimSpace(consentType)
	version = strings.TrimSpace(version)
	if consentType == "" || version == "" {
		return nil, NewInvalidError("consent type/version required")
	}
	return s.store.AddConsentRecord(&ConsentRecord{
		UserID:    user.ID,
		Type:      consentType,
		Version:   version,
		Status:    status,
		Timestamp: s.now(),
	})
}

// Current returns the latest record for (userID, consentType), or nil when none exists.
func (s *ConsentService) Current(userID int64, consentType string) (*ConsentRecord, error) {
	records, err := s.store.ListConsentRecords(userID)
	if err != nil {
		return nil, err
	}
	var latest *ConsentRecord
	for _, cr := range records {
		if cr.Type != consentType {
			continue
		}
		if latest == nil || cr.ID > latest.ID {
			latest = cr
		}
	}
	return latest, nil
}

func (s *ConsentService) IsGranted(userID int64, consentType string) (bool, error) {
	cr, err := s.Current(userID, consentType)
	if err != nil {
		return false, err
	}
	return cr != nil && cr.Status == ConsentGranted, nil
}

func (s *ConsentService) History(userID int64) ([]*ConsentRecord, error) {
	return s.store.ListConsentRecords(userID)
}
