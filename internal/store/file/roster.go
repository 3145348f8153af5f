// Package file implements domain.AccountStore over a YAML roster file for
// deployments that run without PostgreSQL. Trading toggles and review flags
// are held in memory and survive reloads but not restarts.
package file

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Roster is the YAML document layout.
type Roster struct {
	Accounts []domain.Account `yaml:"accounts"`
}

type override struct {
	tradingEnabled *bool
	flagged        string
}

// AccountStore re-reads the file on every ListActive.
type AccountStore struct {
	path string

	mu        sync.Mutex
	overrides map[string]*override
}

var _ domain.AccountStore = (*AccountStore)(nil)

// NewAccountStore reads accounts from path.
func NewAccountStore(path string) *AccountStore {
	return &AccountStore{path: path, overrides: make(map[string]*override)}
}

// Parse decodes a roster document. Unknown fields are rejected so a typo in
// a risk setting fails loudly.
func Parse(data []byte) (Roster, error) {
	var r Roster
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return Roster{}, fmt.Errorf("file: decode roster: %w", err)
	}
	seen := make(map[string]bool, len(r.Accounts))
	for _, a := range r.Accounts {
		if seen[a.ID] {
			return Roster{}, fmt.Errorf("file: %w: duplicate account id %q", domain.ErrValidation, a.ID)
		}
		seen[a.ID] = true
	}
	return r, nil
}

func (s *AccountStore) ListActive(ctx context.Context) ([]domain.Account, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("file: read roster %s: %w", s.path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Account, 0, len(r.Accounts))
	for _, a := range r.Accounts {
		if !a.Active {
			continue
		}
		if o, ok := s.overrides[a.ID]; ok {
			if o.tradingEnabled != nil {
				a.TradingEnabled = *o.tradingEnabled
			}
			a.FlaggedReason = o.flagged
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *AccountStore) SetTradingEnabled(ctx context.Context, accountID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.override(accountID)
	o.tradingEnabled = &enabled
	if enabled {
		o.flagged = ""
	}
	return nil
}

func (s *AccountStore) FlagForReview(ctx context.Context, accountID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.override(accountID)
	disabled := false
	o.tradingEnabled = &disabled
	o.flagged = reason
	return nil
}

// override must be called with mu held.
func (s *AccountStore) override(id string) *override {
	o, ok := s.overrides[id]
	if !ok {
		o = &override{}
		s.overrides[id] = o
	}
	return o
}
