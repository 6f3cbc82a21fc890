package auth

import (
	"errors"
	"testing"
	"time"

	"fieldops/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	tokens := NewTokens("secret", time.Minute)
	p := models.Principal{ID: 42, Role: models.RoleTechnician}

	tok, exp, err := tokens.Issue(p)
	require.NoError(t, err)

	got, gotExp, err := tokens.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.WithinDuration(t, exp, gotExp, time.Second)
}

func TestParseRejectsForeignSignature(t *testing.T) {
	tok, _, err := NewTokens("a", time.Minute).Issue(models.Principal{ID: 1, Role: models.RoleAdmin})
	require.NoError(t, err)

	_, _, err = NewTokens("b", time.Minute).Parse(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestParseRejectsExpired(t *testing.T) {
	tokens := NewTokens("secret", time.Minute)
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, _, err := tokens.Issue(models.Principal{ID: 1, Role: models.RoleAdmin})
	require.NoError(t, err)

	tokens.now = time.Now
	_, _, err = tokens.Parse(tok)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestParseGarbage(t *testing.T) {
	_, _, err := NewTokens("secret", time.Minute).Parse("not-a-token")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}
