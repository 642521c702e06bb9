// Package quiz decides whether a visitor's quiz submission earns an access code.
package quiz

import (
	"github.com/smartgate/gate-server-go/internal/model"
	"github.com/smartgate/gate-server-go/internal/util"
)

// Verify returns Passed only when every question in answers has an exactly
// matching entry in submitted. Comparison is case sensitive with no trimming;
// a missing key counts as a wrong answer. Extra submitted keys are ignored.
func Verify(answers model.AnswerSet, submitted model.SubmittedAnswers) model.VerificationResult {
	for question, expected := range answers {
		given, ok := submitted[question]
		if !ok || !util.ConstantTimeEqual(given, expected) {
			return model.Failed
		}
	}
	return model.Passed
}

// Mismatched lists the question ids that were missing or wrong, for logging
func Mismatched(answers model.AnswerSet, submitted model.SubmittedAnswers) []string {
	var wrong []string
	for question, expected := range answers {
		given, ok := submitted[question]
		if !ok || !util.ConstantTimeEqual(given, expected) {
			wrong = append(wrong, question)
		}
	}
	return wrong
}
