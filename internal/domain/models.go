package domain

import (
	"strings"
	"time"
)

// Side identifies one of the two seats of a battle.
type Side string

const (
	SideNone Side = ""
	SideOne  Side = "one"
	SideTwo  Side = "two"
)

// Opponent returns the other seat.
func (s Side) Opponent() Side {
	switch s {
	case SideOne:
		return SideTwo
	case SideTwo:
		return SideOne
	}
	return SideNone
}

// Identity is the authenticated owner of a connection.
type Identity struct {
	ConnID      string
	UserID      string
	DisplayName string
}

// QueueEntry is a player waiting for an opponent on a topic.
type QueueEntry struct {
	UserID      string
	DisplayName string
	ConnID      string
	IsBot       bool
}

// Option represents a possible answer for a question.
type Option struct {
	Letter   string `json:"letter"`
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Question is the payload shown to a player. It never carries the correct answer.
type Question struct {
	ID        string   `json:"id"`
	Topic     string   `json:"topic"`
	Text      string   `json:"text"`
	Context   string   `json:"context"`
	ImageURLs []string `json:"imageUrls"`
	Options   []Option `json:"options"`
}

// AnswerKey is the cached solution of a question.
type AnswerKey struct {
	QuestionID    string   `json:"questionId"`
	CorrectLetter string   `json:"correctLetter"`
	CorrectText   string   `json:"correctText"`
	Options       []Option `json:"options"`
}

// Matches reports whether a submission names the correct letter or the correct text.
func (k AnswerKey) Matches(answer string) bool {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return false
	}
	if k.CorrectLetter != "" && strings.EqualFold(answer, strings.TrimSpace(k.CorrectLetter)) {
		return true
	}
	return k.CorrectText != "" && strings.EqualFold(answer, strings.TrimSpace(k.CorrectText))
}

// Letters lists the option letters known for the question.
func (k AnswerKey) Letters() []string {
	letters := make([]string, 0, len(k.Options))
	for _, opt := range k.Options {
		if opt.Letter != "" {
			letters = append(letters, opt.Letter)
		}
	}
	return letters
}

// TopicStats counts answers per topic.
type TopicStats struct {
	Correct   int `json:"correct"`
	Incorrect int `json:"incorrect"`
}

// User is the persisted profile touched by settlement.
type User struct {
	ID        string
	Rating    int
	Currency  int
	WinStreak int
	Stats     map[string]TopicStats
}

// DefaultRating is assigned to players without history.
const DefaultRating = 1200

// UserUpdate is the settlement outcome for one user.
type UserUpdate struct {
	UserID         string
	Topic          string
	NewRating      int
	CurrencyGained int
	Correct        int
	Incorrect      int
	Won            bool
}

// MatchRecord is an immutable match-history row.
type MatchRecord struct {
	SessionID      string
	Topic          string
	PlayerOneID    string
	PlayerTwoID    string
	PlayerOneScore int
	PlayerTwoScore int
	PlayerOneTotal int
	PlayerTwoTotal int
	WinnerID       string
	Reason         string
	CreatedAt      time.Time
}

// Settlement groups everything that must be persisted together for one match.
type Settlement struct {
	Updates [2]UserUpdate
	Match   MatchRecord
}

// Termination reasons.
const (
	ReasonTime                = "time"
	ReasonDisconnectForfeit   = "disconnect_forfeit"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonShutdown            = "shutdown"
)

// Error codes carried by battle_complete.
const (
	ErrorCodeContentUnavailable = "CONTENT_UNAVAILABLE"
	ErrorCodeSettlementFailed   = "SETTLEMENT_FAILED"
)
