package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/michaelodikeme/coop-nest-sub006/internal/domain"
)

func TestParseLedger(t *testing.T) {
	raw := []byte(`
requestTypes:
  LOAN_DISBURSEMENT:
    module: LOAN
    linkage: [loanId]
    levels:
      - level: 2
        role: chairman
      - level: 1
        role: treasurer
  CONTACT_UPDATE:
    module: USER
`)
	ledger, err := ParseLedger(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	chain, err := ledger.Chain(domain.RequestTypeLoanDisbursement)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if !chain.Requires(LinkLoan) || chain.Requires(LinkBiodata) {
		t.Fatalf("unexpected linkage %v", chain.Linkage)
	}
	if chain.Levels[0].Role != "treasurer" || chain.Levels[1].Role != "chairman" {
		t.Fatalf("expected levels sorted by number, got %+v", chain.Levels)
	}

	steps, err := ledger.Steps(uuid.New(), domain.RequestTypeContactUpdate, time.Now())
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("expected zero steps, got %d", len(steps))
	}

	if _, err := ledger.Chain(domain.RequestTypeAccountCreation); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for unconfigured type, got %v", err)
	}
}

func TestNewLedger_RejectsInvalidChains(t *testing.T) {
	cases := []struct {
		name  string
		chain Chain
	}{
		{name: "gap in levels", chain: Chain{Type: "X", Module: domain.ModuleLoan, Levels: []Level{{Level: 1, Role: "a"}, {Level: 3, Role: "b"}}}},
		{name: "does not start at one", chain: Chain{Type: "X", Module: domain.ModuleLoan, Levels: []Level{{Level: 2, Role: "a"}}}},
		{name: "duplicate level", chain: Chain{Type: "X", Module: domain.ModuleLoan, Levels: []Level{{Level: 1, Role: "a"}, {Level: 1, Role: "b"}}}},
		{name: "empty role", chain: Chain{Type: "X", Module: domain.ModuleLoan, Levels: []Level{{Level: 1, Role: " "}}}},
		{name: "unknown module", chain: Chain{Type: "X", Module: "BANK"}},
		{name: "unknown linkage", chain: Chain{Type: "X", Module: domain.ModuleLoan, Linkage: []LinkageField{"memberId"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewLedger([]Chain{tc.chain}); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadLedger_FallsBackToDefaults(t *testing.T) {
	ledger, err := LoadLedger(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(ledger.Types()) != len(DefaultChains()) {
		t.Fatalf("expected %d default types, got %d", len(DefaultChains()), len(ledger.Types()))
	}
}

func TestLoadLedger_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := "requestTypes:\n  SYSTEM_SETTING_UPDATE:\n    module: SYSTEM\n    autoComplete: true\n    levels:\n      - level: 1\n        role: admin\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ledger, err := LoadLedger(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	chain, err := ledger.Chain(domain.RequestTypeSystemSettingUpdate)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if !chain.AutoComplete || len(chain.Levels) != 1 {
		t.Fatalf("unexpected chain %+v", chain)
	}
}

func TestRepositoryChainFileMatchesDefaults(t *testing.T) {
	fileLedger, err := LoadLedger(filepath.Join("..", "..", "config", "approval_chains.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defaults := DefaultLedger()
	for _, requestType := range defaults.Types() {
		want, _ := defaults.Chain(requestType)
		got, err := fileLedger.Chain(requestType)
		if err != nil {
			t.Fatalf("%s missing from config file: %v", requestType, err)
		}
		if got.Module != want.Module || got.AutoComplete != want.AutoComplete || len(got.Levels) != len(want.Levels) || len(got.Linkage) != len(want.Linkage) {
			t.Fatalf("%s differs: file=%+v defaults=%+v", requestType, got, want)
		}
		for i := range want.Levels {
			if got.Levels[i] != want.Levels[i] {
				t.Fatalf("%s level %d differs: %+v vs %+v", requestType, i+1, got.Levels[i], want.Levels[i])
			}
		}
	}
}

func TestDefaultChains_EffectTypesWaitInApproved(t *testing.T) {
	ledger := DefaultLedger()
	for _, requestType := range []domain.RequestType{
		domain.RequestTypeLoanDisbursement,
		domain.RequestTypeAccountCreation,
		domain.RequestTypeSavingsWithdrawal,
		domain.RequestTypePersonalSavingsWithdrawal,
	} {
		t.Run(string(requestType), func(t *testing.T) {
			chain, err := ledger.Chain(requestType)
			if err != nil {
				t.Fatalf("chain: %v", err)
			}
			if chain.AutoComplete {
				t.Fatalf("expected %s to hold in APPROVED until its domain effect is reported", requestType)
			}
		})
	}
}
