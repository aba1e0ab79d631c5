package models

// HistoryName is the trace entry every answer carries so the channel can
// stitch conversation history across resolvers.
const HistoryName = "intent-resolve"

// DefaultContent is shown whenever no tailored user message exists.
const DefaultContent = "Das kann ich irgendwie nicht."

// Answer is the response shape consumed by the calling channel. Error is
// set only when the operation failed.
type Answer struct {
	Answer AnswerBody `json:"answer"`
	Error  string     `json:"error,omitempty"`
}

// AnswerBody holds the user-facing part of an answer.
type AnswerBody struct {
	Content string   `json:"content"`
	History []string `json:"history"`
}

// Success builds an answer without error code.
func Success(content string) Answer {
	return Answer{Answer: newBody(content)}
}

// Failure builds an answer with user-facing content and a machine-readable
// error code.
func Failure(content, errorCode string) Answer {
	return Answer{Answer: newBody(content), Error: errorCode}
}

// DefaultFailure builds a failure answer with the generic user message.
func DefaultFailure(errorCode string) Answer {
	return Failure(DefaultContent, errorCode)
}

// Failed reports whether the answer carries an error code.
func (a Answer) Failed() bool {
	return a.Error != ""
}

func newBody(content string) AnswerBody {
	return AnswerBody{Content: content, History: []string{HistoryName}}
}
