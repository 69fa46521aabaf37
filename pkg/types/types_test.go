package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantFullName(t *testing.T) {
	p := NewParticipantID("lab", "ingest", "hl7-listener", "1.0.0")
	assert.Equal(t, "lab.ingest.hl7-listener", p.FullName())
	assert.Equal(t, "lab.ingest.hl7-listener(1.0.0)", p.String())

	noWorkshop := NewParticipantID("lab", "", "hl7-listener", "1.0.0")
	assert.Equal(t, "lab.hl7-listener", noWorkshop.FullName())
}

func TestParticipantEqualIgnoresWorkshop(t *testing.T) {
	a := NewParticipantID("lab", "ingest", "hl7-listener", "1.0.0")
	b := NewParticipantID("lab", "egress", "hl7-listener", "1.0.0")
	c := NewParticipantID("lab", "ingest", "hl7-listener", "2.0.0")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, ParticipantID{}.IsZero())
}

func TestNewTaskID(t *testing.T) {
	content := ContentDescriptor{Definer: "FHIR", Category: "Observation", Version: "4.0.1"}
	a := NewTaskID("Ingest", content)
	b := NewTaskID("Ingest", content)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(string(a), "ingest:FHIR.Observation@4.0.1:"))
	assert.Equal(t, TaskID("resource:MRN-42"), TaskIDFromResource("MRN-42"))
	assert.Contains(t, string(NewTaskID("", ContentDescriptor{})), "task:unspecified:")
}

func TestTaskCloneIsDeep(t *testing.T) {
	task := &ActionableTask{
		ID:             "t1",
		PerformerTypes: []string{"p1"},
		Ingress:        WorkItem{Parcels: []Parcel{{Payload: []byte("abc")}}},
		Fulfillment:    &FulfillmentCard{TaskID: "t1", Status: ExecutionActive},
	}

	clone := task.Clone()
	clone.PerformerTypes[0] = "p2"
	clone.Ingress.Parcels[0].Payload[0] = 'x'
	clone.Fulfillment.Status = ExecutionFailed

	assert.Equal(t, "p1", task.PerformerTypes[0])
	assert.Equal(t, byte('a'), task.Ingress.Parcels[0].Payload[0])
	assert.Equal(t, ExecutionActive, task.Fulfillment.Status)
	assert.Nil(t, (*ActionableTask)(nil).Clone())
}

func TestTaskStateTerminal(t *testing.T) {
	assert.False(t, TaskStateQueued.IsTerminal())
	assert.False(t, TaskStateRunning.IsTerminal())
	assert.True(t, TaskStateFailed.IsTerminal())
	assert.True(t, TaskStateFinalised.IsTerminal())
	assert.True(t, ExecutionCancelled.IsTerminal())
	assert.False(t, ExecutionActive.IsTerminal())
}

func TestCompletionSummaryBarrier(t *testing.T) {
	var nilSummary *CompletionSummary
	assert.False(t, nilSummary.AllDownstreamFinalised())

	s := &CompletionSummary{Downstream: map[TaskID]DownstreamEntry{}}
	assert.False(t, s.AllDownstreamFinalised())
	s.End = true
	assert.True(t, s.AllDownstreamFinalised())

	s.Downstream["c1"] = DownstreamEntry{Status: DownstreamBeingFulfilled}
	assert.False(t, s.AllDownstreamFinalised())
	s.Downstream["c1"] = DownstreamEntry{Status: DownstreamFinalised}
	assert.True(t, s.AllDownstreamFinalised())
}

func TestDownstreamStatusText(t *testing.T) {
	for _, status := range []DownstreamStatus{DownstreamNotBeingFulfilled, DownstreamBeingFulfilled, DownstreamFinalised} {
		text, err := status.MarshalText()
		require.NoError(t, err)

		var decoded DownstreamStatus
		require.NoError(t, decoded.UnmarshalText(text))
		assert.Equal(t, status, decoded)
	}

	var unknown DownstreamStatus = DownstreamFinalised
	require.NoError(t, unknown.UnmarshalText([]byte("bogus")))
	assert.Equal(t, DownstreamNotBeingFulfilled, unknown)
}

func TestBusErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewUnknownTaskError("t1", "no card"))

	assert.True(t, errors.Is(err, ErrUnknownTask))
	assert.False(t, errors.Is(err, ErrAlreadyFinalised))
	assert.Equal(t, ErrCodeUnknownTask, CodeOf(err))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "task t1")

	cause := errors.New("boom")
	be := NewBusError(ErrCodeDispatchFailure, "send failed", cause)
	assert.ErrorIs(t, be, cause)
	assert.ErrorIs(t, be, ErrDispatchFailure)
}

func TestFailurePacketError(t *testing.T) {
	p := &FailurePacket{Status: PacketSendFailure, StatusReason: "method not found"}
	assert.Equal(t, "PACKET_SEND_FAILURE: method not found", p.Error())
}

func TestRemoteErrorRoundTrip(t *testing.T) {
	assert.Nil(t, RemoteErrorOf(nil))
	var nilRemote *RemoteError
	assert.NoError(t, nilRemote.Err())

	remote := RemoteErrorOf(fmt.Errorf("register: %w", NewAlreadyFinalisedError("t1")))
	assert.Equal(t, ErrCodeAlreadyFinalised, remote.Code)
	assert.Equal(t, TaskID("t1"), remote.TaskID)
	assert.ErrorIs(t, remote.Err(), ErrAlreadyFinalised)

	plain := RemoteErrorOf(errors.New("decode failed"))
	assert.Equal(t, ErrorCode(""), plain.Code)
	assert.EqualError(t, plain.Err(), "decode failed")
}
