// Package credentials stores monitored accounts in a plain text file,
// one "username,password[,api_key]" per line.
package credentials

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/persistence"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

const header = "# Monitored accounts\n# Format: username,password,api_key (api_key optional)\n"

const sample = header + "# Example:\n# user1,password1,sk-xxxxxxxx\n# user2,password2\n"

// Repository is the file-backed account list. Order of the file is preserved.
type Repository struct {
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	accounts []domain.Account
}

// Open loads path, creating a commented sample file when it does not exist.
func Open(path string, logger *zap.Logger) (*Repository, error) {
	r := &Repository{path: path, logger: logger}

	data, err := persistence.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if data == nil {
		logger.Warn("credentials file missing, writing sample", zap.String("path", path))
		if err := persistence.WriteFile(path, []byte(sample)); err != nil {
			return nil, fmt.Errorf("write sample credentials: %w", err)
		}
		return r, nil
	}

	r.accounts = r.parse(data)
	logger.Info("accounts loaded", zap.Int("count", len(r.accounts)), zap.String("path", path))
	return r, nil
}

func (r *Repository) parse(data []byte) []domain.Account {
	var out []domain.Account
	seen := map[string]bool{}

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" {
			r.logger.Warn("malformed credentials line skipped", zap.Int("line", lineNo))
			continue
		}
		acc := domain.Account{
			Username: strings.TrimSpace(parts[0]),
			Password: strings.TrimSpace(parts[1]),
		}
		if len(parts) >= 3 {
			acc.APIKey = strings.TrimSpace(parts[2])
		}
		if seen[acc.Username] {
			r.logger.Warn("duplicate account skipped", zap.Int("line", lineNo), zap.String("username", acc.Username))
			continue
		}
		seen[acc.Username] = true
		out = append(out, acc)
	}
	return out
}

func (r *Repository) List() []domain.Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Account(nil), r.accounts...)
}

func (r *Repository) Get(username string) (domain.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexLocked(username); i >= 0 {
		return r.accounts[i], true
	}
	return domain.Account{}, false
}

// Add appends acc and saves. Duplicates fail with *domain.ErrConflict.
func (r *Repository) Add(acc domain.Account) error {
	acc.Username = strings.TrimSpace(acc.Username)
	acc.APIKey = strings.TrimSpace(acc.APIKey)
	if err := validate(acc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(acc.Username) >= 0 {
		return &domain.ErrConflict{Message: "account already exists: " + acc.Username}
	}
	r.accounts = append(r.accounts, acc)
	if err := r.saveLocked(); err != nil {
		r.accounts = r.accounts[:len(r.accounts)-1]
		return err
	}
	r.logger.Info("account added", zap.String("username", acc.Username))
	return nil
}

// Update changes the non-nil fields of an existing account and saves.
func (r *Repository) Update(username string, password, apiKey *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(username)
	if i < 0 {
		return &domain.ErrNotFound{Resource: "account", ID: username}
	}
	updated := r.accounts[i]
	if password != nil {
		updated.Password = *password
	}
	if apiKey != nil {
		updated.APIKey = strings.TrimSpace(*apiKey)
	}
	if err := validate(updated); err != nil {
		return err
	}

	prev := r.accounts[i]
	r.accounts[i] = updated
	if err := r.saveLocked(); err != nil {
		r.accounts[i] = prev
		return err
	}
	r.logger.Info("account updated", zap.String("username", username))
	return nil
}

// Remove deletes an account and saves.
func (r *Repository) Remove(username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(username)
	if i < 0 {
		return &domain.ErrNotFound{Resource: "account", ID: username}
	}
	prev := r.accounts
	r.accounts = append(append([]domain.Account(nil), prev[:i]...), prev[i+1:]...)
	if err := r.saveLocked(); err != nil {
		r.accounts = prev
		return err
	}
	r.logger.Info("account removed", zap.String("username", username))
	return nil
}

func (r *Repository) indexLocked(username string) int {
	for i, a := range r.accounts {
		if a.Username == username {
			return i
		}
	}
	return -1
}

func (r *Repository) saveLocked() error {
	var b strings.Builder
	b.WriteString(header)
	for _, a := range r.accounts {
		b.WriteString(a.Username)
		b.WriteByte(',')
		b.WriteString(a.Password)
		if a.APIKey != "" {
			b.WriteByte(',')
			b.WriteString(a.APIKey)
		}
		b.WriteByte('\n')
	}
	if err := persistence.WriteFile(r.path, []byte(b.String())); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// validate rejects values the line format cannot represent.
func validate(a domain.Account) error {
	if a.Username == "" {
		return &domain.ErrValidation{Field: "username", Message: "is required"}
	}
	for field, v := range map[string]string{"username": a.Username, "password": a.Password, "api_key": a.APIKey} {
		if strings.ContainsAny(v, ",\n\r") {
			return &domain.ErrValidation{Field: field, Message: "must not contain commas or line breaks"}
		}
	}
	if strings.HasPrefix(a.Username, "#") {
		return &domain.ErrValidation{Field: "username", Message: "must not start with #"}
	}
	return nil
}

var _ port.AccountRepository = (*Repository)(nil)
