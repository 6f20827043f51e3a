package command

import "fmt"

// Status classifies the outcome of a dispatched command.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusError        Status = "error"
	StatusPending      Status = "pending"
	StatusUnauthorized Status = "unauthorized"
)

// Result is what every handler returns. Err is a client-safe description and
// is only set for non-success statuses.
type Result struct {
	Status Status
	Data   map[string]any
	Err    string
}

func Success(data map[string]any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

func Pending(data map[string]any) Result {
	return Result{Status: StatusPending, Data: data}
}

func Errorf(format string, args ...any) Result {
	return Result{Status: StatusError, Err: fmt.Sprintf(format, args...)}
}

func Unauthorized(reason string) Result {
	return Result{Status: StatusUnauthorized, Err: reason}
}

// ToPayload renders the result as response message data.
func (r Result) ToPayload() map[string]any {
	p := make(map[string]any, len(r.Data)+2)
	for k, v := range r.Data {
		p[k] = v
	}
	p["status"] = string(r.Status)
	if r.Err != "" {
		p["error"] = r.Err
	}
	return p
}
