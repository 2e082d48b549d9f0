package deploy

import (
	"fmt"
	"strconv"
)

const FormCount = 5

type FormStatus string

const (
	FormIdle    FormStatus = "idle"
	FormRunning FormStatus = "running"
	FormStopped FormStatus = "stopped"
)

type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionUpdate Action = "update"
)

func (a Action) Valid() bool {
	return a == ActionStart || a == ActionStop || a == ActionUpdate
}

type Form struct {
	Number  int        `json:"number"`
	Status  FormStatus `json:"status"`
	Loading bool       `json:"loading"`
	Error   string     `json:"error,omitempty"`
}

func initialForms() []Form {
	forms := make([]Form, FormCount)
	for i := range forms {
		forms[i] = Form{Number: i + 1, Status: FormIdle}
	}
	return forms
}

func ValidFormNumber(n int) bool { return n >= 1 && n <= FormCount }

// Multiplex suffixes every field name with the form number so the five
// forms share one payload key space: RC becomes RC1 for form 1.
func Multiplex(formNumber int, fields map[string]any) map[string]any {
	suffix := strconv.Itoa(formNumber)
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k+suffix] = v
	}
	return out
}

// ActionPayload is the body relayed to the tunnel for one form action.
func ActionPayload(action Action, formNumber int, fields map[string]any) (map[string]any, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrValidation, action)
	}
	if !ValidFormNumber(formNumber) {
		return nil, fmt.Errorf("%w: form number %d out of range", ErrValidation, formNumber)
	}
	p := Multiplex(formNumber, fields)
	p["action"] = string(action)
	p["formNumber"] = formNumber
	return p, nil
}

func statusAfter(action Action, current FormStatus) FormStatus {
	switch action {
	case ActionStart:
		return FormRunning
	case ActionStop:
		return FormStopped
	}
	if current == FormIdle {
		return FormRunning
	}
	return current
}
