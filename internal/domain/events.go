package domain

// Event names sent to participants.
const (
	EventMatchFound          = "match_found"
	EventBattleStart         = "battle_start"
	EventAnswerResult        = "answer_result"
	EventOpponentScoreUpdate = "opponent_score_update"
	EventBattleComplete      = "battle_complete"
	EventError               = "error"
)

// Event is a typed message for one or more connections.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// PlayerRef identifies the opponent in match_found.
type PlayerRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type MatchFound struct {
	Opponent PlayerRef `json:"opponent"`
	BattleID string    `json:"battleId"`
}

type BattleStart struct {
	FirstQuestion *Question `json:"first_question"`
}

type AnswerResult struct {
	Result       string    `json:"result"`
	NextQuestion *Question `json:"next_question"`
}

type OpponentScore struct {
	Score int `json:"score"`
}

// SideResult is the per-side tuple in the final results.
type SideResult struct {
	UserID   string  `json:"userId"`
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Accuracy float64 `json:"accuracy"`
}

// FinalResults is the outcome of a battle.
type FinalResults struct {
	BattleID  string     `json:"battleId"`
	Topic     string     `json:"topic"`
	PlayerOne SideResult `json:"playerOne"`
	PlayerTwo SideResult `json:"playerTwo"`
	Winner    *string    `json:"winner"`
	Reason    string     `json:"reason"`
}

// Reward is what a user gained from a rated battle.
type Reward struct {
	Currency     int `json:"kp"`
	RatingChange int `json:"eloChange"`
}

// BattleComplete is the terminal event of a battle.
type BattleComplete struct {
	FinalResults *FinalResults     `json:"final_results"`
	Rewards      map[string]Reward `json:"rewards"`
	Reason       string            `json:"reason,omitempty"`
	Error        string            `json:"error,omitempty"`
}
