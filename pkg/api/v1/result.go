package v1

// Result is the uniform envelope every client call resolves to. Exactly one
// of the two shapes is populated: Success with Data (and an optional
// Message), or a failure with Error and, when a response was received, the
// backend Status.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  int    `json:"status,omitempty"`
}

func OK[T any](data T, message string) Result[T] {
	return Result[T]{Success: true, Data: data, Message: message}
}

func Fail[T any](msg string, status int) Result[T] {
	return Result[T]{Success: false, Error: msg, Status: status}
}

// Empty is the payload type for calls that only report success.
type Empty struct{}
