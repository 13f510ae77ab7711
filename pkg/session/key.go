package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	userPrefix      = "user_"
	characterMarker = "_character_"
)

var (
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrMalformedSessionKey = errors.New("malformed session key")
)

// Key derives the session key for a user talking to a character.
func Key(userID, characterID string) (string, error) {
	if err := ValidateIdentifier(userID); err != nil {
		return "", fmt.Errorf("user id: %w", err)
	}
	if err := ValidateIdentifier(characterID); err != nil {
		return "", fmt.Errorf("character id: %w", err)
	}
	return userPrefix + userID + characterMarker + characterID, nil
}

// ValidateIdentifier accepts non-empty tokens of ASCII letters, digits and '-'.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidIdentifier, id, r)
		}
	}
	return nil
}

// Resolver parses session keys. DefaultCharacterID is used for keys of the
// form user_<U> that carry no character segment.
type Resolver struct {
	DefaultCharacterID string
}

// Parse splits a session key into its user and character identifiers.
func (r Resolver) Parse(key string) (userID, characterID string, err error) {
	rest, ok := strings.CutPrefix(key, userPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedSessionKey, key)
	}

	userID, characterID, found := strings.Cut(rest, characterMarker)
	if !found {
		if r.DefaultCharacterID == "" || ValidateIdentifier(rest) != nil {
			return "", "", fmt.Errorf("%w: %q", ErrMalformedSessionKey, key)
		}
		return rest, r.DefaultCharacterID, nil
	}

	if ValidateIdentifier(userID) != nil || ValidateIdentifier(characterID) != nil {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedSessionKey, key)
	}
	return userID, characterID, nil
}

// Describe builds the descriptor for an existing key.
func (r Resolver) Describe(key, title string) (Descriptor, error) {
	userID, characterID, err := r.Parse(key)
	if err != nil {
		return Descriptor{}, err
	}
	return NewDescriptor(userID, characterID, title)
}

// Descriptor identifies one conversation between a user and a character.
type Descriptor struct {
	SessionKey  string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	CharacterID string    `json:"character_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// NewDescriptor validates the identifiers and derives the session key.
// An empty title becomes "Chat with character <C>".
func NewDescriptor(userID, characterID, title string) (Descriptor, error) {
	key, err := Key(userID, characterID)
	if err != nil {
		return Descriptor{}, err
	}
	if title == "" {
		title = "Chat with character " + characterID
	}
	return Descriptor{
		SessionKey:  key,
		UserID:      userID,
		CharacterID: characterID,
		Title:       title,
	}, nil
}
