package security_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/security"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := security.NewTokenService("secret", time.Hour)

	token, err := svc.CreateForUser("alice")
	require.NoError(t, err)

	id, err := svc.UserID(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = security.NewTokenService("other", time.Hour).UserID(token)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	expired, err := svc.CreateWithTTL("alice", -time.Minute)
	require.NoError(t, err)
	_, err = svc.UserID(expired)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = security.UnverifiedUserID(expired)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = svc.CreateForUser("")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStaticProvider(t *testing.T) {
	svc := security.NewTokenService("secret", time.Hour)
	alice, err := svc.CreateForUser("alice")
	require.NoError(t, err)
	bob, err := svc.CreateForUser("bob")
	require.NoError(t, err)

	p, err := security.NewStaticProvider(alice)
	require.NoError(t, err)
	s, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "alice", s.UserID)

	require.NoError(t, p.Replace(alice))
	select {
	case <-p.Changes():
		t.Fatal("replacing a session with itself must not signal a change")
	default:
	}

	require.NoError(t, p.Replace(bob))
	p.SignOut()
	// A slow reader only sees the latest session.
	latest := <-p.Changes()
	assert.False(t, latest.Valid())
	_, ok = p.Current()
	assert.False(t, ok)

	assert.ErrorIs(t, p.Replace("garbage"), domain.ErrUnauthorized)

	empty, err := security.NewStaticProvider("")
	require.NoError(t, err)
	_, ok = empty.Current()
	assert.False(t, ok)
}
