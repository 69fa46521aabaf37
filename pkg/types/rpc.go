package types

import (
	"encoding/json"
	"errors"
)

// PacketStatus classifies a failed remote call.
type PacketStatus string

const (
	PacketSendFailure     PacketStatus = "PACKET_SEND_FAILURE"
	PacketSendTimeout     PacketStatus = "PACKET_SEND_TIMEOUT"
	PacketTargetUnreached PacketStatus = "TARGET_UNREACHABLE"
)

// Request is the wire envelope of a remote invocation.
type Request struct {
	RequestID string          `json:"requestId"`
	Sender    ParticipantID   `json:"sender"`
	Method    string          `json:"method"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response carries either a result or a failure packet. Error is set when
// the call was delivered but the remote operation rejected it.
type Response struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Failure   *FailurePacket  `json:"failure,omitempty"`
	Error     *RemoteError    `json:"error,omitempty"`
}

// RemoteError is an operation error returned by the remote side.
type RemoteError struct {
	Code    ErrorCode `json:"code"`
	TaskID  TaskID    `json:"taskId,omitempty"`
	Message string    `json:"message"`
}

// Err converts the remote error back into a BusError.
func (e *RemoteError) Err() error {
	if e == nil {
		return nil
	}
	if e.Code == "" {
		return errors.New(e.Message)
	}
	return &BusError{Code: e.Code, Message: e.Message, TaskID: e.TaskID}
}

// RemoteErrorOf converts err into its wire form. Errors that are not bus
// errors travel with an empty code.
func RemoteErrorOf(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var be *BusError
	if errors.As(err, &be) {
		return &RemoteError{Code: be.Code, TaskID: be.TaskID, Message: be.Message}
	}
	return &RemoteError{Message: err.Error()}
}

// FailurePacket describes why a remote invocation produced no result.
type FailurePacket struct {
	ActivityID   string       `json:"activityId"`
	Status       PacketStatus `json:"status"`
	StatusReason string       `json:"statusReason"`
}

// Error implements the error interface so a packet can travel as an error.
func (p *FailurePacket) Error() string {
	return string(p.Status) + ": " + p.StatusReason
}
