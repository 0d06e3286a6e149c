package assets

type Code int

const (
	Success     Code = 10000
	Exception   Code = 10002
	InvalidData Code = 10004
	NotFound    Code = 10005
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case Exception:
		return "exception"
	case InvalidData:
		return "invalid_data"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

const (
	msgOK                = "Ok"
	msgError             = "error"
	msgAssetNotFound     = "Not found asset"
	msgAttrNotFound      = "can't find this attribute"
	msgTelemetryNotFound = "can't find this telemetry"
)

// Result is the envelope returned by every operation. Failures carry the zero
// value of T (nil or false).
type Result[T any] struct {
	Code Code   `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

func (r Result[T]) OK() bool { return r.Code == Success }

func ok[T any](msg string, data T) Result[T] {
	return Result[T]{Code: Success, Msg: msg, Data: data}
}

func fail[T any](code Code, msg string) Result[T] {
	var zero T
	return Result[T]{Code: code, Msg: msg, Data: zero}
}

type Page[T any] struct {
	Total int64 `json:"total"`
	Rows  []T   `json:"rows"`
}
