// Package protocol defines the closed message set exchanged between agents
// and the competition controller, and between negotiating agents. Every
// message implements Message; handlers switch exhaustively on the concrete
// type rather than inspecting loose payloads.
package protocol

// Message is the marker for all wire messages.
type Message interface {
	Kind() string
}

// ErrorCode identifies why a request was rejected.
type ErrorCode int

const (
	GenericError ErrorCode = iota
	RequestNotValid
	AgentPbkAlreadyRegistered
	AgentNameAlreadyRegistered
	AgentNotRegistered
	TransactionNotValid
	TransactionNotMatching
	AgentNameNotInWhitelist
	CompetitionNotRunning
	DialogueInconsistent
)

var errorCodeNames = map[ErrorCode]string{
	GenericError:               "GENERIC_ERROR",
	RequestNotValid:            "REQUEST_NOT_VALID",
	AgentPbkAlreadyRegistered:  "AGENT_PBK_ALREADY_REGISTERED",
	AgentNameAlreadyRegistered: "AGENT_NAME_ALREADY_REGISTERED",
	AgentNotRegistered:         "AGENT_NOT_REGISTERED",
	TransactionNotValid:        "TRANSACTION_NOT_VALID",
	TransactionNotMatching:     "TRANSACTION_NOT_MATCHING",
	AgentNameNotInWhitelist:    "AGENT_NAME_NOT_IN_WHITELIST",
	CompetitionNotRunning:      "COMPETITION_NOT_RUNNING",
	DialogueInconsistent:       "DIALOGUE_INCONSISTENT",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return "UNKNOWN_ERROR"
}

// ── agent → controller ─────────────────────────────────────────

// Register asks the controller to admit the sender under a display name.
type Register struct {
	AgentName string `json:"agent_name"`
}

// Unregister withdraws a pending registration.
type Unregister struct{}

// GetStateUpdate requests a snapshot of the sender's holdings and its
// confirmed transaction history.
type GetStateUpdate struct{}

// ── controller → agent ─────────────────────────────────────────

// Registered confirms admission.
type Registered struct{}

// Unregistered confirms withdrawal.
type Unregistered struct{}

// Cancelled tells registrants the competition will not (or no longer) run.
type Cancelled struct{}

// GameData carries an agent's slice of the generated game: its endowment,
// preferences, money, and the public name tables.
type GameData struct {
	Money          float64           `json:"money"`
	Endowment      []int             `json:"endowment"`
	UtilityParams  []float64         `json:"utility_params"`
	NbAgents       int               `json:"nb_agents"`
	NbGoods        int               `json:"nb_goods"`
	TxFee          float64           `json:"tx_fee"`
	AgentPbkToName map[string]string `json:"agent_pbk_to_name"`
	GoodPbkToName  map[string]string `json:"good_pbk_to_name"`
}

// TransactionConfirmation reports that a transaction settled.
type TransactionConfirmation struct {
	TransactionID string `json:"transaction_id"`
}

// StateUpdate answers GetStateUpdate: the initial game data plus every
// transaction settled for the requester since.
type StateUpdate struct {
	Initial      GameData      `json:"initial_state"`
	Transactions []Transaction `json:"transactions"`
}

// Error reports a rejected request back to its sender.
type Error struct {
	Code    ErrorCode         `json:"error_code"`
	Msg     string            `json:"error_msg"`
	Details map[string]string `json:"details,omitempty"`
}

// ── agent ↔ agent (negotiation) ────────────────────────────────

// CFP opens a negotiation: the sender wants to buy or sell some goods.
type CFP struct {
	DialogueID string `json:"dialogue_id"`
	IsBuyer    bool   `json:"is_buyer"` // sender's role
	Goods      []int  `json:"goods"`    // good ids of interest, empty = any
}

// Propose answers a CFP with a single priced bundle. Ref is echoed back by
// the counterparty's Accept or Decline.
type Propose struct {
	DialogueID string  `json:"dialogue_id"`
	Ref        string  `json:"ref"`
	Amount     float64 `json:"amount"`
	Quantities []int   `json:"quantities"` // indexed by good id
}

// Accept commits to a proposal. Ref names either a proposal made by the
// receiver (initial accept) or one the receiver already accepted
// (matching accept); the receiver disambiguates from its own bookkeeping.
type Accept struct {
	DialogueID string `json:"dialogue_id"`
	Ref        string `json:"ref"`
}

// Decline rejects a CFP, a proposal, or a prior accept.
type Decline struct {
	DialogueID string `json:"dialogue_id"`
	Ref        string `json:"ref"`
}

func (Register) Kind() string                { return "register" }
func (Unregister) Kind() string              { return "unregister" }
func (GetStateUpdate) Kind() string          { return "get_state_update" }
func (Registered) Kind() string              { return "registered" }
func (Unregistered) Kind() string            { return "unregistered" }
func (Cancelled) Kind() string               { return "cancelled" }
func (GameData) Kind() string                { return "game_data" }
func (TransactionConfirmation) Kind() string { return "transaction_confirmation" }
func (StateUpdate) Kind() string             { return "state_update" }
func (Error) Kind() string                   { return "error" }
func (CFP) Kind() string                     { return "cfp" }
func (Propose) Kind() string                 { return "propose" }
func (Accept) Kind() string                  { return "accept" }
func (Decline) Kind() string                 { return "decline" }
func (Transaction) Kind() string             { return "transaction" }
