// Package result defines the shared outcome vocabulary used across all
// protocol layers: a small set of error codes modelled on HTTP statuses and
// an immutable Result value with first-failure-wins semantics.
package result

// Code identifies the outcome of an operation.
type Code string

// Outcome codes. They map onto HTTP statuses for the API layer but are used
// as protocol-level outcomes everywhere else.
const (
	OK           Code = "OK"
	Created      Code = "CREATED"
	Accepted     Code = "ACCEPTED"
	NoContent    Code = "NO_CONTENT"
	BadRequest   Code = "BAD_REQUEST"
	Unauthorized Code = "UNAUTHORIZED"
	Forbidden    Code = "FORBIDDEN"
	NotFound     Code = "NOT_FOUND"
	Conflict     Code = "CONFLICT"
	Gone         Code = "GONE"
	Locked       Code = "LOCKED"
	Expired      Code = "EXPIRED"
	Quota        Code = "QUOTA"
	NoSlot       Code = "NO_SLOT"
	Unable       Code = "UNABLE"
	Internal     Code = "INTERNAL"
)

var httpStatus = map[Code]int{
	OK:           200,
	Created:      201,
	Accepted:     202,
	NoContent:    204,
	BadRequest:   400,
	Unauthorized: 401,
	Forbidden:    403,
	NotFound:     404,
	Conflict:     409,
	Gone:         410,
	Locked:       423,
	Expired:      404,
	Quota:        429,
	NoSlot:       507,
	Unable:       503,
	Internal:     500,
}

// HTTPStatus returns the HTTP status for the code, defaulting to 500.
func (c Code) HTTPStatus() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return 500
}

// Result is the outcome carried by every protocol operation. Once a Result
// has failed, further checks never overwrite the original code or message.
type Result struct {
	OK    bool   `json:"ok"`
	Code  Code   `json:"code"`
	Error string `json:"error,omitempty"`
}

// Good returns a fresh successful Result.
func Good() Result {
	return Result{OK: true, Code: OK}
}

// WithError marks the Result failed unless it already carries a failure.
func (r Result) WithError(code Code, msg string) Result {
	if !r.OK {
		return r
	}
	r.OK = false
	r.Code = code
	r.Error = msg
	return r
}

// WithSuccess replaces the success code, but only while the Result is ok.
func (r Result) WithSuccess(code Code) Result {
	if r.OK {
		r.Code = code
	}
	return r
}

// Check records a failure when the condition does not hold. It mirrors the
// errify pattern: a no-op on an already-failed Result.
func (r Result) Check(cond bool, code Code, msg string) Result {
	if cond {
		return r
	}
	return r.WithError(code, msg)
}

// Adopt copies a failure from another Result, if any.
func (r Result) Adopt(o Result) Result {
	if o.OK {
		return r
	}
	return r.WithError(o.Code, o.Error)
}

// Fail builds a failed Result directly.
func Fail(code Code, msg string) Result {
	return Good().WithError(code, msg)
}
