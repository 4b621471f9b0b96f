package model

import "strings"

// Alternative is one labelled choice of a battle question
type Alternative struct {
	Label string `json:"label" bson:"label"` // e.g., "A", "B"
	Text  string `json:"text" bson:"text"`
}

// BattleQuestion is a multiple-choice question drawn from the question bank
type BattleQuestion struct {
	ID            string        `json:"id" bson:"_id,omitempty"`
	Prompt        string        `json:"prompt" bson:"prompt"`
	Alternatives  []Alternative `json:"alternatives" bson:"alternatives"`
	CorrectAnswer string        `json:"-" bson:"correctAnswer"`
	Category      string        `json:"category,omitempty" bson:"category,omitempty"`
	Difficulty    string        `json:"difficulty,omitempty" bson:"difficulty,omitempty"`
}

// QuestionView is what players see during a round; it never carries the correct answer
type QuestionView struct {
	ID           string        `json:"id"`
	Prompt       string        `json:"prompt"`
	Alternatives []Alternative `json:"alternatives"`
}

// MinAlternatives is the fewest choices a playable question may offer
const MinAlternatives = 4

// Valid reports whether the question can be played. A question needs a prompt,
// MinAlternatives choices and a correct answer naming one of them.
func (q BattleQuestion) Valid() bool {
	if strings.TrimSpace(q.Prompt) == "" || len(q.Alternatives) < MinAlternatives {
		return false
	}
	return q.HasLabel(q.CorrectAnswer)
}

// HasLabel reports whether label names one of the alternatives
func (q BattleQuestion) HasLabel(label string) bool {
	label = normalizeLabel(label)
	if label == "" {
		return false
	}
	for _, alt := range q.Alternatives {
		if normalizeLabel(alt.Label) == label {
			return true
		}
	}
	return false
}

// IsCorrect compares an answer against the correct label, ignoring case and surrounding space
func (q BattleQuestion) IsCorrect(answer string) bool {
	answer = normalizeLabel(answer)
	return answer != "" && answer == normalizeLabel(q.CorrectAnswer)
}

// View strips the correct answer
func (q BattleQuestion) View() QuestionView {
	return QuestionView{ID: q.ID, Prompt: q.Prompt, Alternatives: q.Alternatives}
}

func normalizeLabel(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
