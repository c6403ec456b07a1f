package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/puyokura/cmpprelay/auth"
	"github.com/puyokura/cmpprelay/model"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,32}$`)

// ValidUsername reports whether name can be registered.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// Register creates an account. The display name defaults to the username.
func (s *Store) Register(username, password, displayName string) (model.Account, error) {
	username = strings.TrimSpace(username)
	if !ValidUsername(username) {
		return model.Account{}, fmt.Errorf("%w: username must be 1-32 letters, digits, '.', '_' or '-'", ErrInvalid)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return model.Account{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = username
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists, err := s.get(accountKey(username))
	if err != nil {
		return model.Account{}, err
	}
	if exists {
		return model.Account{}, fmt.Errorf("%w: username %s", ErrConflict, username)
	}
	acct := model.Account{
		ID:           uuid.NewString(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, accountKey(username), acct); err != nil {
		return model.Account{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return model.Account{}, fmt.Errorf("save account: %w", err)
	}
	s.log.Info("account registered", "username", username)
	return acct.Public(), nil
}

// Authenticate checks a password and returns the account without its hash.
// Unknown users and wrong passwords both yield auth.ErrBadCredentials.
func (s *Store) Authenticate(username, password string) (model.Account, error) {
	var acct model.Account
	ok, err := s.getJSON(accountKey(strings.TrimSpace(username)), &acct)
	if err != nil {
		return model.Account{}, err
	}
	if !ok {
		return model.Account{}, auth.ErrBadCredentials
	}
	if err := auth.CheckPassword(acct.PasswordHash, password); err != nil {
		return model.Account{}, err
	}
	return acct.Public(), nil
}

// Account returns the named account without its hash.
func (s *Store) Account(username string) (model.Account, error) {
	var acct model.Account
	ok, err := s.getJSON(accountKey(username), &acct)
	if err != nil {
		return model.Account{}, err
	}
	if !ok {
		return model.Account{}, fmt.Errorf("%w: account %s", ErrNotFound, username)
	}
	return acct.Public(), nil
}
