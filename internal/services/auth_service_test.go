package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-chat-server/internal/repo"
)

func TestRegisterThenLogin(t *testing.T) {
	db := newTestDB(t)
	clk := newClock()
	s := newAuth(db, clk)
	ctx := context.Background()

	pairs := [][2]string{{"alice", "secret1"}, {"bob_2", "secret2"}, {"Zoë-x", "pässwörd"}}
	for _, p := range pairs {
		reg, err := s.Register(ctx, p[0], p[1])
		require.NoError(t, err, p[0])
		assert.NotEmpty(t, reg.Token)
		assert.Equal(t, clk.Now().Add(time.Hour), reg.ExpiresAt)

		login, err := s.Login(ctx, p[0], p[1])
		require.NoError(t, err, p[0])
		assert.NotEqual(t, reg.Token, login.Token, "login issues a fresh session")
		assert.Equal(t, reg.Username, login.Username)
	}
}

func TestLogin_SameMessageForUnknownUserAndWrongPassword(t *testing.T) {
	db := newTestDB(t)
	s := newAuth(db, newClock())
	ctx := context.Background()

	_, err := s.Register(ctx, "alice", "secret1")
	require.NoError(t, err)

	_, wrongPw := s.Login(ctx, "alice", "nope-nope")
	_, unknown := s.Login(ctx, "mallory", "secret1")

	require.ErrorIs(t, wrongPw, ErrUnauthorized)
	require.ErrorIs(t, unknown, ErrUnauthorized)
	assert.Equal(t, wrongPw.Error(), unknown.Error())
	assert.Equal(t, Message(wrongPw, ""), Message(unknown, ""))
}

func TestRegister_Validation(t *testing.T) {
	db := newTestDB(t)
	s := newAuth(db, newClock())
	ctx := context.Background()

	cases := []struct{ user, pass string }{
		{"ab", "secret1"},
		{"", "secret1"},
		{"bad name", "secret1"},
		{"semi;colon", "secret1"},
		{strings.Repeat("a", 65), "secret1"},
		{"alice", "12345"},
		{"alice", strings.Repeat("p", 73)},
	}
	for _, tc := range cases {
		_, err := s.Register(ctx, tc.user, tc.pass)
		assert.ErrorIs(t, err, ErrValidation, "%q/%q", tc.user, tc.pass)
	}
	// nothing was stored
	_, err := repo.GetUser(ctx, db, "alice")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestRegister_DuplicateIsConflict(t *testing.T) {
	db := newTestDB(t)
	s := newAuth(db, newClock())
	ctx := context.Background()

	_, err := s.Register(ctx, "alice", "secret1")
	require.NoError(t, err)
	_, err = s.Register(ctx, "  alice ", "another1")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegister_NFCNormalization(t *testing.T) {
	db := newTestDB(t)
	s := newAuth(db, newClock())
	ctx := context.Background()

	composed := "Jos\u00e9"    // é as one code point
	decomposed := "Jose\u0301" // e + combining acute
	_, err := s.Register(ctx, composed, "secret1")
	require.NoError(t, err)

	_, err = s.Register(ctx, decomposed, "secret1")
	assert.ErrorIs(t, err, ErrConflict)

	res, err := s.Login(ctx, decomposed, "secret1")
	require.NoError(t, err)
	assert.Equal(t, composed, res.Username)
}

func TestAuthenticate_ExpiryTouchAndLogout(t *testing.T) {
	db := newTestDB(t)
	clk := newClock()
	s := newAuth(db, clk)
	ctx := context.Background()

	reg, err := s.Register(ctx, "alice", "secret1")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	user, err := s.Authenticate(ctx, reg.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	u, err := repo.GetUser(ctx, db, "alice")
	require.NoError(t, err)
	assert.True(t, u.LastSeen.Equal(clk.Now()), "authenticate touches last_seen")

	_, err = s.Authenticate(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrUnauthorized)

	clk.Advance(time.Hour)
	_, err = s.Authenticate(ctx, reg.Token)
	assert.ErrorIs(t, err, ErrUnauthorized, "expired looks the same as unknown")

	login, err := s.Login(ctx, "alice", "secret1")
	require.NoError(t, err)
	require.NoError(t, s.Logout(ctx, login.Token))
	_, err = s.Authenticate(ctx, login.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCreateAccount_NoSession(t *testing.T) {
	db := newTestDB(t)
	s := newAuth(db, newClock())
	ctx := context.Background()

	name, err := s.CreateAccount(ctx, " carol ", "secret3")
	require.NoError(t, err)
	assert.Equal(t, "carol", name)

	var n int64
	require.NoError(t, db.Table("sessions").Count(&n).Error)
	assert.Zero(t, n)

	_, err = s.Login(ctx, "carol", "secret3")
	assert.NoError(t, err)
}

type failingHasher struct{}

func (failingHasher) Hash(string) ([]byte, error) { return nil, errors.New("hsm offline") }

func (failingHasher) Compare([]byte, string) error { return errors.New("hsm offline") }

func TestRegister_HasherFailureIsInternal(t *testing.T) {
	db := newTestDB(t)
	s := newAuth(db, newClock())
	s.Hasher = failingHasher{}

	_, err := s.Register(context.Background(), "alice", "secret1")
	require.Error(t, err)
	var se *Error
	assert.False(t, errors.As(err, &se), "hasher faults are not client errors")
}
