package log

import (
	"github.com/crewjam/rfc5424"
)

// KVLogger wraps a *Logger with the identity of one chroot session, so a
// whole session's worth of log lines -- from lock acquisition through
// script runs to teardown -- carry SessionID and Chroot as structured-data
// fields without every call site restating them. AddKV attaches further
// fields (e.g. the phase of a failing setup script) that should accompany
// every subsequent line logged through this particular KVLogger.
type KVLogger struct {
	*Logger
	SessionID string
	Chroot    string
	extra     []rfc5424.SDParam
}

// NewSessionLogger scopes l to a single session/chroot identity.
func NewSessionLogger(l *Logger, sessionID, chrootName string) *KVLogger {
	return &KVLogger{Logger: l, SessionID: sessionID, Chroot: chrootName}
}

func (kvl *KVLogger) fields(sds []rfc5424.SDParam) []rfc5424.SDParam {
	out := make([]rfc5424.SDParam, 0, len(kvl.extra)+len(sds)+2)
	if kvl.SessionID != "" {
		out = append(out, KV("session_id", kvl.SessionID))
	}
	if kvl.Chroot != "" {
		out = append(out, KV("chroot", kvl.Chroot))
	}
	out = append(out, kvl.extra...)
	return append(out, sds...)
}

// Debug writes a DEBUG level log carrying this session's fixed fields.
func (kvl *KVLogger) Debug(msg string, sds ...rfc5424.SDParam) error {
	return kvl.outputStructured(DEFAULT_DEPTH+1, DEBUG, msg, kvl.fields(sds)...)
}

// Info writes an INFO level log carrying this session's fixed fields.
func (kvl *KVLogger) Info(msg string, sds ...rfc5424.SDParam) error {
	return kvl.outputStructured(DEFAULT_DEPTH+1, INFO, msg, kvl.fields(sds)...)
}

// Warn writes a WARN level log carrying this session's fixed fields.
func (kvl *KVLogger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return kvl.outputStructured(DEFAULT_DEPTH+1, WARN, msg, kvl.fields(sds)...)
}

// Error writes an ERROR level log carrying this session's fixed fields.
func (kvl *KVLogger) Error(msg string, sds ...rfc5424.SDParam) error {
	return kvl.outputStructured(DEFAULT_DEPTH+1, ERROR, msg, kvl.fields(sds)...)
}

// Critical writes a CRITICAL level log carrying this session's fixed fields.
func (kvl *KVLogger) Critical(msg string, sds ...rfc5424.SDParam) error {
	return kvl.outputStructured(DEFAULT_DEPTH+1, CRITICAL, msg, kvl.fields(sds)...)
}

// AddKV attaches additional fields that every subsequent call through kvl
// should carry, alongside SessionID/Chroot.
func (kvl *KVLogger) AddKV(sds ...rfc5424.SDParam) {
	kvl.extra = append(kvl.extra, sds...)
}
