
package log

import (
	"fmt"

	"github.com/crewjam/rfc5424"
)

// KV builds a structured-data field for a log call. Non-string values are
// rendered with fmt's default verb.
func KV(name string, value interface{}) (r rfc5424.SDParam) {
	r.Name = name
	switch v := value.(type) {
	case string:
		r.Value = v
	default:
		r.Value = fmt.Sprintf("%v", value)
	}
	return
}

// KVErr is shorthand for KV("error", err).
func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}
