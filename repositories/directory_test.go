package repositories

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"crewlink/auth"
	"crewlink/errors"
)

func TestDirectory_CreateUserAndLookupByEmail(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dir := NewDirectory(openTestDB(t), log)

	userID, err := dir.CreateUser("ana@example.com", "s3cret-pw", "org-1",
		[]string{"member"}, []string{"commands:execute"})
	req.NoError(err)
	req.NotEmpty(userID)

	cred, err := dir.CredentialsByEmail(ctx, "ana@example.com")
	req.NoError(err)
	req.Equal(userID, cred.UserID)
	req.Equal("org-1", cred.OrgID)
	req.Equal([]string{"member"}, cred.Roles)
	req.Equal([]string{"commands:execute"}, cred.Permissions)
	req.True(cred.Active)

	// The stored hash verifies the original password and nothing else
	ok, err := auth.ComparePassword("s3cret-pw", cred.PasswordHash)
	req.NoError(err)
	req.True(ok)
	ok, err = auth.ComparePassword("wrong", cred.PasswordHash)
	req.NoError(err)
	req.False(ok)
}

func TestDirectory_DuplicateEmailRejected(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dir := NewDirectory(openTestDB(t), log)

	_, err := dir.CreateUser("ana@example.com", "pw-one", "org-1", nil, nil)
	req.NoError(err)

	_, err = dir.CreateUser("ana@example.com", "pw-two", "org-1", nil, nil)
	req.ErrorIs(err, errors.ErrValidation)
}

func TestDirectory_UnknownEmailLooksLikeBadCredentials(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dir := NewDirectory(openTestDB(t), log)

	_, err := dir.CredentialsByEmail(context.Background(), "nobody@example.com")
	req.ErrorIs(err, errors.ErrInvalidCredentials)
}

func TestDirectory_ActiveFlag(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dir := NewDirectory(openTestDB(t), log)

	userID, err := dir.CreateUser("bo@example.com", "pw", "org-1", nil, nil)
	req.NoError(err)

	active, err := dir.UserActive(ctx, userID)
	req.NoError(err)
	req.True(active)

	req.NoError(dir.SetActive(userID, false))
	active, err = dir.UserActive(ctx, userID)
	req.NoError(err)
	req.False(active)

	_, err = dir.UserActive(ctx, "ghost")
	req.ErrorIs(err, errors.ErrInvalidCredentials)

	req.NoError(dir.TouchLastActive(ctx, userID, time.Now()))
}

func TestDirectory_MembershipsRoundTrip(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dir := NewDirectory(openTestDB(t), log)

	// No record means no channels, not an error
	channels, err := dir.ChannelsOf(ctx, "u-1")
	req.NoError(err)
	req.Empty(channels)

	req.NoError(dir.SetMemberships("u-1", []string{"general", "ops"}))
	channels, err = dir.ChannelsOf(ctx, "u-1")
	req.NoError(err)
	req.Equal([]string{"general", "ops"}, channels)

	// The list is replaced wholesale, not merged
	req.NoError(dir.SetMemberships("u-1", []string{"random"}))
	channels, err = dir.ChannelsOf(ctx, "u-1")
	req.NoError(err)
	req.Equal([]string{"random"}, channels)
}

func TestDirectory_SeedSkipsExistingAccounts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dir := NewDirectory(openTestDB(t), log)

	seed := []SeedUser{
		{Email: "ana@example.com", Password: "pw", OrgID: "org-1", Channels: []string{"general"}},
		{Email: "bo@example.com", Password: "pw", OrgID: "org-1"},
	}

	created, err := dir.Seed(seed)
	req.NoError(err)
	req.Len(created, 2)

	channels, err := dir.ChannelsOf(ctx, created[0])
	req.NoError(err)
	req.Equal([]string{"general"}, channels)

	// Seeding again is a no-op, not a failure
	created, err = dir.Seed(seed)
	req.NoError(err)
	req.Empty(created)
}
