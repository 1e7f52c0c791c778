package repositories

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"crewlink/auth"
	"crewlink/contract"
	"crewlink/errors"
)

// Directory is the badger-backed user and membership store behind
// contract.UserDirectory and contract.MembershipDirectory. Keys:
//
//	usr:<userID>  user record (JSON)
//	eml:<email>   userID, the login index
//	mbr:<userID>  persisted channel list (JSON)
type Directory struct {
	db  *badger.DB
	log *slog.Logger
}

func NewDirectory(db *badger.DB, log *slog.Logger) *Directory {
	return &Directory{db: db, log: log}
}

// userRecord is the stored shape of a user.
type userRecord struct {
	UserID       string    `json:"user_id"`
	OrgID        string    `json:"org_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	Roles        []string  `json:"roles"`
	Permissions  []string  `json:"permissions"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
}

func userKey(userID string) []byte { return []byte("usr:" + userID) }
func emailKey(email string) []byte { return []byte("eml:" + email) }
func memberKey(userID string) []byte {
	return []byte("mbr:" + userID)
}

// CreateUser registers a login with a freshly hashed password and returns
// the generated user id. An already-registered email is an error.
func (d *Directory) CreateUser(email, password, orgID string, roles, permissions []string) (string, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", err
	}

	rec := userRecord{
		UserID:       uuid.New().String(),
		OrgID:        orgID,
		Email:        email,
		PasswordHash: hash,
		Roles:        roles,
		Permissions:  permissions,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal failed: %w", err)
	}

	err = d.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(emailKey(email)); err == nil {
			return fmt.Errorf("%w: email already registered", errors.ErrValidation)
		}
		if err := txn.Set(emailKey(email), []byte(rec.UserID)); err != nil {
			return err
		}
		return txn.Set(userKey(rec.UserID), data)
	})
	if err != nil {
		return "", err
	}
	return rec.UserID, nil
}

func (d *Directory) CredentialsByEmail(_ context.Context, email string) (contract.UserCredential, error) {
	var rec userRecord

	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(emailKey(email))
		if err != nil {
			return err
		}
		var userID string
		if err := item.Value(func(val []byte) error {
			userID = string(val)
			return nil
		}); err != nil {
			return err
		}
		return d.readUser(txn, userID, &rec)
	})
	if err != nil {
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return contract.UserCredential{}, errors.ErrInvalidCredentials
		}
		return contract.UserCredential{}, err
	}

	return contract.UserCredential{
		UserID:       rec.UserID,
		OrgID:        rec.OrgID,
		Email:        rec.Email,
		PasswordHash: rec.PasswordHash,
		Roles:        rec.Roles,
		Permissions:  rec.Permissions,
		Active:       rec.Active,
	}, nil
}

func (d *Directory) UserActive(_ context.Context, userID string) (bool, error) {
	var rec userRecord
	err := d.db.View(func(txn *badger.Txn) error {
		return d.readUser(txn, userID, &rec)
	})
	if err != nil {
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return false, errors.ErrInvalidCredentials
		}
		return false, err
	}
	return rec.Active, nil
}

// TouchLastActive bumps the user's last-active stamp. Called best-effort
// from the gate; a failure here never fails an authentication.
func (d *Directory) TouchLastActive(_ context.Context, userID string, at time.Time) error {
	return d.db.Update(func(txn *badger.Txn) error {
		var rec userRecord
		if err := d.readUser(txn, userID, &rec); err != nil {
			return err
		}
		rec.LastActive = at.UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(userKey(userID), data)
	})
}

// SetActive flips the account flag; an inactive user cannot refresh.
func (d *Directory) SetActive(userID string, active bool) error {
	return d.db.Update(func(txn *badger.Txn) error {
		var rec userRecord
		if err := d.readUser(txn, userID, &rec); err != nil {
			return err
		}
		rec.Active = active
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(userKey(userID), data)
	})
}

// ChannelsOf lists the channels persisted for a user. No entry is an
// empty list, not an error.
func (d *Directory) ChannelsOf(_ context.Context, userID string) ([]string, error) {
	var channels []string
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(memberKey(userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &channels)
		})
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// SetMemberships replaces the persisted channel list for a user.
func (d *Directory) SetMemberships(userID string, channels []string) error {
	data, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memberKey(userID), data)
	})
}

func (d *Directory) readUser(txn *badger.Txn, userID string, rec *userRecord) error {
	item, err := txn.Get(userKey(userID))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, rec)
	})
}

// SeedUser is one dev/test fixture account.
type SeedUser struct {
	Email       string
	Password    string
	OrgID       string
	Roles       []string
	Permissions []string
	Channels    []string
}

// Seed provisions fixture accounts, skipping emails that already exist.
// Returns the ids of the users it created.
func (d *Directory) Seed(users []SeedUser) ([]string, error) {
	created := make([]string, 0, len(users))
	for _, u := range users {
		userID, err := d.CreateUser(u.Email, u.Password, u.OrgID, u.Roles, u.Permissions)
		if err != nil {
			if stderrors.Is(err, errors.ErrValidation) {
				d.log.Debug("Seed user already present", "email", u.Email)
				continue
			}
			return created, err
		}
		if len(u.Channels) > 0 {
			if err := d.SetMemberships(userID, u.Channels); err != nil {
				return created, err
			}
		}
		created = append(created, userID)
		d.log.Info("Seeded user", "email", u.Email, "userID", userID)
	}
	return created, nil
}
