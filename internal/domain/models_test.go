package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnswerKeyMatches(t *testing.T) {
	key := AnswerKey{
		QuestionID:    "q1",
		CorrectLetter: "C",
		CorrectText:   "Fotossíntese",
		Options: []Option{
			{Letter: "A", Text: "Respiração"},
			{Letter: "B", Text: "Digestão"},
			{Letter: "C", Text: "Fotossíntese"},
		},
	}

	assert.True(t, key.Matches("C"))
	assert.True(t, key.Matches(" c "))
	assert.True(t, key.Matches("fotossíntese"))
	assert.False(t, key.Matches("A"))
	assert.False(t, key.Matches(""))
	assert.False(t, key.Matches("   "))

	assert.False(t, AnswerKey{}.Matches("C"))
	assert.Equal(t, []string{"A", "B", "C"}, key.Letters())
}

func TestSideOpponent(t *testing.T) {
	assert.Equal(t, SideTwo, SideOne.Opponent())
	assert.Equal(t, SideOne, SideTwo.Opponent())
	assert.Equal(t, SideNone, SideNone.Opponent())
}
