package config

import (
	"os"
	"path/filepath"
	"testing"
)

const paramsYAML = `min_nb_agents: 10
nb_goods: 8
tx_fee: 2.5
money_endowment: 500
registration_timeout_sec: 120
whitelist:
  - alice
  - bob
seed: 1337
`

func TestLoadTournamentParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	if err := os.WriteFile(path, []byte(paramsYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	tp, err := LoadTournamentParams(path)
	if err != nil {
		t.Fatalf("LoadTournamentParams: %v", err)
	}
	if tp.MinNbAgents != 10 || tp.NbGoods != 8 || tp.TxFee != 2.5 {
		t.Errorf("sizing fields wrong: %+v", tp)
	}
	if tp.MoneyEndowment != 500 || tp.RegistrationTimeoutSec != 120 || tp.Seed != 1337 {
		t.Errorf("numeric fields wrong: %+v", tp)
	}

	set := tp.WhitelistSet()
	if len(set) != 2 {
		t.Fatalf("whitelist set has %d entries, want 2", len(set))
	}
	if _, ok := set["alice"]; !ok {
		t.Error("alice missing from whitelist set")
	}
}

func TestEmptyWhitelistAdmitsAll(t *testing.T) {
	var tp TournamentParams
	if tp.WhitelistSet() != nil {
		t.Error("empty whitelist must return nil (admit all)")
	}
}

func TestLoadTournamentParamsMissingFile(t *testing.T) {
	if _, err := LoadTournamentParams(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file should error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGORA_MIN_NB_AGENTS", "9")
	t.Setenv("AGORA_TX_FEE", "3.5")
	t.Setenv("AGORA_LISTEN_PORT", "not-a-number")

	cfg := Load()
	if cfg.MinNbAgents != 9 {
		t.Errorf("MinNbAgents %d, want 9", cfg.MinNbAgents)
	}
	if cfg.TxFee != 3.5 {
		t.Errorf("TxFee %v, want 3.5", cfg.TxFee)
	}
	// malformed values fall back to the default
	if cfg.ListenPort != 9001 {
		t.Errorf("ListenPort %d, want default 9001", cfg.ListenPort)
	}
}
