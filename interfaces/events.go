package interfaces

import "github.com/opd-ai/groupcrypt/protocol"

// EventSink receives the scheduler's output. Calls are made from the
// scheduler's tick and must not block for long.
type EventSink interface {
	OnStatusChange(status protocol.DecryptionStatus)
	OnDecryptionError(failure protocol.DecryptionError)
	OnDecryptedContent(content protocol.DecryptedContent)
}

// EventSinkFuncs adapts functions to EventSink. Nil fields are skipped.
type EventSinkFuncs struct {
	StatusChange     func(protocol.DecryptionStatus)
	DecryptionError  func(protocol.DecryptionError)
	DecryptedContent func(protocol.DecryptedContent)
}

var _ EventSink = EventSinkFuncs{}

// OnStatusChange implements EventSink.
func (f EventSinkFuncs) OnStatusChange(status protocol.DecryptionStatus) {
	if f.StatusChange != nil {
		f.StatusChange(status)
	}
}

// OnDecryptionError implements EventSink.
func (f EventSinkFuncs) OnDecryptionError(failure protocol.DecryptionError) {
	if f.DecryptionError != nil {
		f.DecryptionError(failure)
	}
}

// OnDecryptedContent implements EventSink.
func (f EventSinkFuncs) OnDecryptedContent(content protocol.DecryptedContent) {
	if f.DecryptedContent != nil {
		f.DecryptedContent(content)
	}
}
