package services

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// PseudonymLength is the length in hex characters of every pseudonym.
const PseudonymLength = 32

type PseudonymStore interface {
	GetPseudonym(userID int64) (string, error)
	// CreatePseudonymIfAbsent persists token unless the user already has one,
	// and returns whichever token is stored afterwards.
	CreatePseudonymIfAbsent(userID int64, token string) (string, error)
}

// PseudonymRegistry maps a user to a stable opaque token. The mapping lives
// only in the PII store; response data carries the token alone.
type PseudonymRegistry struct {
	store PseudonymStore
	gen   func() (string, error)
}

func NewPseudonymRegistry(store PseudonymStore) *PseudonymRegistry {
	return &PseudonymRegistry{store: store, gen: newPseudonym}
}

func (r *PseudonymRegistry) GetOrCreate(user *User) (string, error) {
	if user == nil {
		return "", NewUnauthorizedError("unauthorized")
	}
	existing, err := r.store.GetPseudonym(user.ID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}
	candidate, err := r.gen()
	if err != nil {
		return "", err
	}
	stored, err := r.store.CreatePseudonymIfAbsent(user.ID, candidate)
	if err != nil {
		return "", err
	}
	if stored == "" {
		return "", NewConflictError("pseudonym_missing")
	}
	return stored, nil
}

func newPseudonym() (string, error) {
	b := make([]byte, PseudonymLength/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate pseudonym: %w", err)
	}
	return hex.EncodeToString(b), nil
}
