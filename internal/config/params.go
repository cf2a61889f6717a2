package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TournamentParams overrides the env-derived competition sizing for
// organised runs. A whitelist entry of zero names admits everyone.
type TournamentParams struct {
	MinNbAgents       int      `yaml:"min_nb_agents"`
	NbGoods           int      `yaml:"nb_goods"`
	TxFee             float64  `yaml:"tx_fee"`
	MoneyEndowment    int      `yaml:"money_endowment"`
	BaseGoodEndowment int      `yaml:"base_good_endowment"`
	LowerBoundFactor  int      `yaml:"lower_bound_factor"`
	UpperBoundFactor  int      `yaml:"upper_bound_factor"`

	RegistrationTimeoutSec int `yaml:"registration_timeout_sec"`
	CompetitionTimeoutSec  int `yaml:"competition_timeout_sec"`
	InactivityTimeoutSec   int `yaml:"inactivity_timeout_sec"`

	Whitelist []string `yaml:"whitelist"`

	Seed int64 `yaml:"seed"`
}

func LoadTournamentParams(path string) (TournamentParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TournamentParams{}, fmt.Errorf("read tournament params: %w", err)
	}

	var params TournamentParams
	if err := yaml.Unmarshal(data, &params); err != nil {
		return TournamentParams{}, fmt.Errorf("parse tournament params: %w", err)
	}

	return params, nil
}

// WhitelistSet returns the whitelist as a lookup set, or nil when the
// tournament admits any agent name.
func (tp TournamentParams) WhitelistSet() map[string]struct{} {
	if len(tp.Whitelist) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(tp.Whitelist))
	for _, name := range tp.Whitelist {
		set[name] = struct{}{}
	}
	return set
}
