/**
 * @description
 * The approval step ledger: the static level→role table per request type and
 * the materialization of ApprovalStep rows from it.
 *
 * @notes
 * - The table is read from YAML when APPROVAL_CHAINS_FILE points at a file and
 *   falls back to the compiled defaults below otherwise.
 * - A type with zero levels is legal; such requests are completed at creation.
 */

package workflow

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
	"gopkg.in/yaml.v3"
)

// LinkageField names a foreign association a request type requires.
type LinkageField string

const (
	LinkBiodata LinkageField = "biodataId"
	LinkLoan    LinkageField = "loanId"
	LinkSavings LinkageField = "savingsId"
)

// Level is one rung of an approval chain.
type Level struct {
	Level int    `yaml:"level"`
	Role  string `yaml:"role"`
}

// Chain is the configuration of a single request type.
type Chain struct {
	Type   domain.RequestType `yaml:"-"`
	Module domain.Module      `yaml:"module"`
	// AutoComplete marks types with no post-approval processing; they go
	// straight to COMPLETED when the final level approves.
	AutoComplete bool           `yaml:"autoComplete"`
	Linkage      []LinkageField `yaml:"linkage"`
	Levels       []Level        `yaml:"levels"`
}

// Requires reports whether the chain needs the given linkage field.
func (c Chain) Requires(field LinkageField) bool {
	for _, f := range c.Linkage {
		if f == field {
			return true
		}
	}
	return false
}

type chainFile struct {
	RequestTypes map[domain.RequestType]Chain `yaml:"requestTypes"`
}

// Ledger resolves approval chains by request type.
type Ledger struct {
	chains map[domain.RequestType]Chain
}

func levels(roles ...string) []Level {
	out := make([]Level, len(roles))
	for i, role := range roles {
		out[i] = Level{Level: i + 1, Role: role}
	}
	return out
}

// DefaultChains is the compiled-in approval table.
func DefaultChains() []Chain {
	return []Chain{
		{Type: domain.RequestTypeLoanApplication, Module: domain.ModuleLoan, Linkage: []LinkageField{LinkBiodata}, Levels: levels("reviewer", "treasurer", "chairman")},
		{Type: domain.RequestTypeLoanDisbursement, Module: domain.ModuleLoan, Linkage: []LinkageField{LinkLoan}, Levels: levels("treasurer", "chairman")},
		{Type: domain.RequestTypeSavingsWithdrawal, Module: domain.ModuleSavings, Linkage: []LinkageField{LinkBiodata, LinkSavings}, Levels: levels("reviewer", "treasurer")},
		{Type: domain.RequestTypePersonalSavingsWithdrawal, Module: domain.ModuleSavings, Linkage: []LinkageField{LinkBiodata, LinkSavings}, Levels: levels("reviewer", "treasurer")},
		{Type: domain.RequestTypePersonalSavingsCreation, Module: domain.ModuleSavings, AutoComplete: true, Linkage: []LinkageField{LinkBiodata}, Levels: levels("reviewer")},
		{Type: domain.RequestTypeSharesWithdrawal, Module: domain.ModuleShares, Linkage: []LinkageField{LinkBiodata}, Levels: levels("reviewer", "treasurer")},
		{Type: domain.RequestTypeAccountCreation, Module: domain.ModuleAccount, Linkage: []LinkageField{LinkBiodata}, Levels: levels("reviewer", "treasurer")},
		{Type: domain.RequestTypeAccountUpdate, Module: domain.ModuleAccount, AutoComplete: true, Linkage: []LinkageField{LinkBiodata}, Levels: levels("reviewer")},
		{Type: domain.RequestTypeAccountVerification, Module: domain.ModuleAccount, AutoComplete: true, Linkage: []LinkageField{LinkBiodata}, Levels: levels("reviewer")},
		{Type: domain.RequestTypeBiodataUpdate, Module: domain.ModuleUser, AutoComplete: true, Linkage: []LinkageField{LinkBiodata}, Levels: levels("reviewer")},
		{Type: domain.RequestTypeBiodataApproval, Module: domain.ModuleUser, AutoComplete: true, Linkage: []LinkageField{LinkBiodata}, Levels: levels("reviewer", "chairman")},
		{Type: domain.RequestTypeContactUpdate, Module: domain.ModuleUser, Linkage: []LinkageField{LinkBiodata}},
		{Type: domain.RequestTypeSystemSettingUpdate, Module: domain.ModuleSystem, AutoComplete: true, Levels: levels(domain.RoleAdmin)},
	}
}

// DefaultLedger returns a ledger over DefaultChains.
func DefaultLedger() *Ledger {
	ledger, err := NewLedger(DefaultChains())
	if err != nil {
		panic(fmt.Sprintf("workflow: invalid default approval chains: %v", err))
	}
	return ledger
}

// NewLedger validates chains and indexes them by type.
func NewLedger(chains []Chain) (*Ledger, error) {
	indexed := make(map[domain.RequestType]Chain, len(chains))
	for _, chain := range chains {
		if err := validateChain(chain); err != nil {
			return nil, err
		}
		if _, dup := indexed[chain.Type]; dup {
			return nil, fmt.Errorf("duplicate approval chain for %s", chain.Type)
		}
		sorted := append([]Level(nil), chain.Levels...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })
		chain.Levels = sorted
		indexed[chain.Type] = chain
	}
	return &Ledger{chains: indexed}, nil
}

// LoadLedger reads the YAML chain table at path. An empty path or a missing
// file yields the default ledger.
func LoadLedger(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultLedger(), nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultLedger(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read approval chains: %w", err)
	}
	return ParseLedger(raw)
}

// ParseLedger decodes a YAML chain table.
func ParseLedger(raw []byte) (*Ledger, error) {
	var file chainFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode approval chains: %w", err)
	}
	if len(file.RequestTypes) == 0 {
		return nil, errors.New("approval chains file declares no request types")
	}
	chains := make([]Chain, 0, len(file.RequestTypes))
	for requestType, chain := range file.RequestTypes {
		chain.Type = requestType
		chains = append(chains, chain)
	}
	return NewLedger(chains)
}

func validateChain(chain Chain) error {
	if strings.TrimSpace(string(chain.Type)) == "" {
		return errors.New("approval chain without request type")
	}
	if !chain.Module.Valid() {
		return fmt.Errorf("approval chain %s: unknown module %q", chain.Type, chain.Module)
	}
	for _, field := range chain.Linkage {
		switch field {
		case LinkBiodata, LinkLoan, LinkSavings:
		default:
			return fmt.Errorf("approval chain %s: unknown linkage %q", chain.Type, field)
		}
	}

	seen := make(map[int]bool, len(chain.Levels))
	for _, lvl := range chain.Levels {
		if strings.TrimSpace(lvl.Role) == "" {
			return fmt.Errorf("approval chain %s: level %d has no role", chain.Type, lvl.Level)
		}
		if seen[lvl.Level] {
			return fmt.Errorf("approval chain %s: level %d declared twice", chain.Type, lvl.Level)
		}
		seen[lvl.Level] = true
	}
	// levels must be exactly 1..N
	for i := 1; i <= len(chain.Levels); i++ {
		if !seen[i] {
			return fmt.Errorf("approval chain %s: levels must be contiguous from 1, missing %d", chain.Type, i)
		}
	}
	return nil
}

// Chain returns the configuration for t, or a ValidationError for an unknown type.
func (l *Ledger) Chain(t domain.RequestType) (Chain, error) {
	chain, ok := l.chains[t]
	if !ok {
		return Chain{}, domain.ValidationError("unknown request type %q", t)
	}
	return chain, nil
}

// Types lists the configured request types in name order.
func (l *Ledger) Types() []domain.RequestType {
	out := make([]domain.RequestType, 0, len(l.chains))
	for t := range l.chains {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Steps materializes the PENDING approval steps for a new request.
func (l *Ledger) Steps(requestID uuid.UUID, t domain.RequestType, now time.Time) ([]domain.ApprovalStep, error) {
	chain, err := l.Chain(t)
	if err != nil {
		return nil, err
	}
	steps := make([]domain.ApprovalStep, 0, len(chain.Levels))
	for _, lvl := range chain.Levels {
		steps = append(steps, domain.ApprovalStep{
			ID:           uuid.New(),
			RequestID:    requestID,
			Level:        lvl.Level,
			Status:       domain.StepStatusPending,
			ApproverRole: lvl.Role,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return steps, nil
}
