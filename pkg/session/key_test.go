package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRoundTrip(t *testing.T) {
	key, err := Key("7", "42")
	require.NoError(t, err)
	assert.Equal(t, "user_7_character_42", key)

	userID, characterID, err := Resolver{DefaultCharacterID: "1"}.Parse(key)
	require.NoError(t, err)
	assert.Equal(t, "7", userID)
	assert.Equal(t, "42", characterID)
}

func TestKeyRejectsInvalidIdentifiers(t *testing.T) {
	tests := []struct {
		name        string
		userID      string
		characterID string
	}{
		{"empty user", "", "1"},
		{"empty character", "7", ""},
		{"separator in user", "a_b", "1"},
		{"whitespace", "7 ", "1"},
		{"unicode", "用户", "1"},
		{"slash", "7/8", "1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Key(tt.userID, tt.characterID)
			assert.ErrorIs(t, err, ErrInvalidIdentifier)
		})
	}
}

func TestKeyAcceptsUUIDs(t *testing.T) {
	key, err := Key("3f1c9a2e-0b7d-4c55-9f0e-5a8e2d1b7c44", "12")
	require.NoError(t, err)

	userID, characterID, err := Resolver{}.Parse(key)
	require.NoError(t, err)
	assert.Equal(t, "3f1c9a2e-0b7d-4c55-9f0e-5a8e2d1b7c44", userID)
	assert.Equal(t, "12", characterID)
}

func TestResolverParse(t *testing.T) {
	r := Resolver{DefaultCharacterID: "1"}

	tests := []struct {
		name          string
		key           string
		wantUser      string
		wantCharacter string
		wantErr       bool
	}{
		{"full key", "user_7_character_42", "7", "42", false},
		{"character absent uses default", "user_7", "7", "1", false},
		{"missing prefix", "7_character_42", "", "", true},
		{"empty user", "user__character_42", "", "", true},
		{"empty character", "user_7_character_", "", "", true},
		{"extra separator", "user_7_character_4_2", "", "", true},
		{"garbage", "hello", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, characterID, err := r.Parse(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedSessionKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, userID)
			assert.Equal(t, tt.wantCharacter, characterID)
		})
	}
}

func TestResolverWithoutDefaultRejectsUserOnlyKey(t *testing.T) {
	_, _, err := Resolver{}.Parse("user_7")
	assert.ErrorIs(t, err, ErrMalformedSessionKey)
}

func TestDescriptor(t *testing.T) {
	t.Run("new descriptor", func(t *testing.T) {
		d, err := NewDescriptor("7", "42", "")
		require.NoError(t, err)
		assert.Equal(t, "user_7_character_42", d.SessionKey)
		assert.Equal(t, "Chat with character 42", d.Title)
	})

	t.Run("describe existing key", func(t *testing.T) {
		d, err := Resolver{DefaultCharacterID: "1"}.Describe("user_7", "evening chat")
		require.NoError(t, err)
		assert.Equal(t, "user_7_character_1", d.SessionKey)
		assert.Equal(t, "evening chat", d.Title)
	})

	t.Run("describe malformed key", func(t *testing.T) {
		_, err := Resolver{}.Describe("nope", "")
		assert.ErrorIs(t, err, ErrMalformedSessionKey)
	})
}
