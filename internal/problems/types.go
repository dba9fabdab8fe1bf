package problems

import "context"

// TestCase is one input/expected pair for a coding problem. Hidden
// cases are still judged but never echoed to clients.
type TestCase struct {
	Input    string `json:"input" yaml:"input"`
	Expected string `json:"expected" yaml:"expected"`
	Hidden   bool   `json:"hidden" yaml:"hidden"`
}

type Problem struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	Statement string     `json:"statement" yaml:"statement"`
	TestCases []TestCase `json:"test_cases" yaml:"test_cases"`
}

// Question is one multiple-choice item. Correct is the index into
// Options.
type Question struct {
	ID          string   `json:"id" yaml:"id"`
	Prompt      string   `json:"prompt" yaml:"prompt"`
	Options     []string `json:"options" yaml:"options"`
	Correct     int      `json:"correct" yaml:"correct"`
	Explanation string   `json:"explanation,omitempty" yaml:"explanation"`
}

type QuestionSet struct {
	ID        string     `json:"id" yaml:"id"`
	Title     string     `json:"title" yaml:"title"`
	Questions []Question `json:"questions" yaml:"questions"`
}

// Find returns the question with the given id, or nil.
func (s *QuestionSet) Find(questionID string) *Question {
	for i := range s.Questions {
		if s.Questions[i].ID == questionID {
			return &s.Questions[i]
		}
	}
	return nil
}

// ProblemSource serves coding problems to the duel machine.
type ProblemSource interface {
	PickProblem(ctx context.Context) (*Problem, error)
	Problem(ctx context.Context, id string) (*Problem, error)
}

// SetSource serves question sets to the trivia machine.
type SetSource interface {
	PickQuestionSet(ctx context.Context) (*QuestionSet, error)
	QuestionSet(ctx context.Context, id string) (*QuestionSet, error)
}
