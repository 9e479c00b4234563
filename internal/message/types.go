// Package message implements the typed message layer above the framed
// transport: strictly increasing sequence numbers, reply correlation with
// deadlines, outbound pooling, and dispatch by message type.
package message

// Message types of the control protocol.
const (
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeReleaseResource   = "releaseResource"
	TypeWrite             = "write"
	TypeWriteAck          = "writeAck"
	TypeResourceUpdate    = "resourceUpdate"
	TypeDefine            = "define"
	TypeLogin             = "login"
	TypeCreateAccount     = "createAccount"
	TypeLogout            = "logout"
	TypeLoginStatus       = "loginStatus"
	TypeTerminate         = "terminate"
	TypeReloadApplication = "reloadApplication"
)

// Fields is one decoded protocol message.
type Fields map[string]interface{}

// Type returns the message type tag.
func (f Fields) Type() string {
	t, _ := f["type"].(string)
	return t
}

// ResourceID returns the client-scoped resource id, or 0 for control
// messages.
func (f Fields) ResourceID() int64 {
	return f.Int64("resourceId")
}

// SequenceNr returns the sender-assigned sequence number.
func (f Fields) SequenceNr() int64 {
	return f.Int64("sequenceNr")
}

// Int64 reads a numeric field, tolerating the integer types JSON and BSON
// decoding produce.
func (f Fields) Int64(key string) int64 {
	switch v := f[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

// String reads a text field, empty when absent.
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Bool reads a boolean field, false when absent.
func (f Fields) Bool(key string) bool {
	b, _ := f[key].(bool)
	return b
}

// List reads an array field, nil when absent.
func (f Fields) List(key string) []interface{} {
	l, _ := f[key].([]interface{})
	return l
}

// Map reads an object field, nil when absent.
func (f Fields) Map(key string) map[string]interface{} {
	m, _ := f[key].(map[string]interface{})
	return m
}
