package mutate

import "bytes"

// Outcome is the classified result of a mutation submission. The
// portal gives no structured contract, so classification is heuristic
// marker matching; Ambiguous is a first-class state that routes into
// the verification fetch, never a silent success.
type Outcome int

const (
	OutcomeAmbiguous Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	}
	return "ambiguous"
}

var successMarkers = [][]byte{
	[]byte(`class="alert alert-success`),
	[]byte("alert-success"),
	[]byte("successfully"),
}

var failureMarkers = [][]byte{
	[]byte("alert-danger"),
	[]byte("validation-summary-errors"),
	[]byte("An error occurred"),
}

// ClassifyBody inspects a submission response body. Failure markers
// win over success markers: a page that shows both is a failed
// submission rendered inside an otherwise happy layout.
func ClassifyBody(body []byte) Outcome {
	for _, marker := range failureMarkers {
		if bytes.Contains(body, marker) {
			return OutcomeFailure
		}
	}
	for _, marker := range successMarkers {
		if bytes.Contains(body, marker) {
			return OutcomeSuccess
		}
	}
	return OutcomeAmbiguous
}
