package result

import (
	"fmt"
	"math"
)

// maxCountField bounds the integer-valued fields so the float64 values
// survive conversion to int without overflow.
const maxCountField = math.MaxInt32

// validateSubmission applies every rule and accumulates violations instead of
// failing fast, so the caller gets the complete picture in one response.
// Not-a-number and out-of-range produce distinct messages.
func validateSubmission(req SubmitResultRequest) []string {
	var violations []string

	violations = append(violations, checkRange("wpm", req.Wpm, 0, 400)...)
	violations = append(violations, checkRange("accuracy", req.Accuracy, 0, 100)...)

	switch {
	case !isFinite(req.Errors):
		violations = append(violations, "errors is not a valid number")
	case !isInteger(req.Errors):
		violations = append(violations, "errors must be an integer")
	case req.Errors < 0 || req.Errors > maxCountField:
		violations = append(violations, fmt.Sprintf("errors must be between 0 and %d", maxCountField))
	}

	switch {
	case !isFinite(req.TimeTaken):
		violations = append(violations, "timeTaken is not a valid number")
	case req.TimeTaken <= 0:
		violations = append(violations, "timeTaken must be greater than 0")
	}

	switch {
	case !isFinite(req.TextLength):
		violations = append(violations, "textLength is not a valid number")
	case !isInteger(req.TextLength):
		violations = append(violations, "textLength must be an integer")
	case req.TextLength <= 0 || req.TextLength > maxCountField:
		violations = append(violations, fmt.Sprintf("textLength must be between 1 and %d", maxCountField))
	}

	if req.UserInput == "" {
		violations = append(violations, "userInput must not be empty")
	}

	if req.TestType == "" {
		violations = append(violations, "testType must not be empty")
	}

	if req.Difficulty == "" {
		violations = append(violations, "difficulty must not be empty")
	}

	return violations
}

func checkRange(field string, v, min, max float64) []string {
	if !isFinite(v) {
		return []string{fmt.Sprintf("%s is not a valid number", field)}
	}
	if v < min || v > max {
		return []string{fmt.Sprintf("%s must be between %g and %g", field, min, max)}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func isInteger(v float64) bool {
	return v == math.Trunc(v)
}
