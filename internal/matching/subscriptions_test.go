package matching

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/taskbus/pkg/types"
)

func TestSubscriptionTableSubscribers(t *testing.T) {
	table := NewSubscriptionTable()
	ehr := types.NewParticipantID("ehr", "", "result-consumer", "1.0")
	ris := types.NewParticipantID("ris", "", "order-consumer", "1.0")
	audit := types.NewParticipantID("audit", "", "tap", "1.0")

	require.NoError(t, table.Subscribe(ehr, types.Mask{TargetSystem: "EHR"}))
	require.NoError(t, table.Subscribe(ris, types.Mask{TargetSystem: "RIS"}))
	require.NoError(t, table.Subscribe(audit, types.Mask{AllowAll: true}))
	assert.Equal(t, 3, table.Len())

	got := table.Subscribers(labToEHR())
	assert.Equal(t, []types.ParticipantID{audit, ehr}, got)
}

func TestSubscriptionTableReplacesWholesale(t *testing.T) {
	table := NewSubscriptionTable()
	p := types.NewParticipantID("ehr", "", "result-consumer", "1.0")

	require.NoError(t, table.Subscribe(p, types.Mask{TargetSystem: "EHR", SourceSystem: "LAB"}))
	require.NoError(t, table.Subscribe(p, types.Mask{TargetSystem: "RIS"}))

	sub, ok := table.Get(p)
	require.True(t, ok)
	assert.Equal(t, "", sub.Mask.SourceSystem)
	assert.Equal(t, "RIS", sub.Mask.TargetSystem)
	assert.Empty(t, table.Subscribers(labToEHR()))
}

func TestSubscriptionTableIgnoresWorkshop(t *testing.T) {
	table := NewSubscriptionTable()
	west := types.NewParticipantID("ehr", "west", "result-consumer", "1.0")
	east := types.NewParticipantID("ehr", "east", "result-consumer", "1.0")
	require.True(t, west.Equal(east))

	require.NoError(t, table.Subscribe(west, types.Mask{TargetSystem: "EHR"}))
	require.NoError(t, table.Subscribe(east, types.Mask{TargetSystem: "RIS"}))
	assert.Equal(t, 1, table.Len())

	sub, ok := table.Get(west)
	require.True(t, ok)
	assert.Equal(t, "east", sub.Subscriber.Workshop)
	assert.Equal(t, "RIS", sub.Mask.TargetSystem)
	assert.Empty(t, table.Subscribers(labToEHR()))

	assert.True(t, table.Unsubscribe(west))
	assert.Equal(t, 0, table.Len())
}

func TestSubscriptionTableKeepsVersionsApart(t *testing.T) {
	table := NewSubscriptionTable()
	v1 := types.NewParticipantID("ehr", "", "result-consumer", "1.0")
	v2 := types.NewParticipantID("ehr", "", "result-consumer", "2.0")
	require.False(t, v1.Equal(v2))

	require.NoError(t, table.Subscribe(v1, types.Mask{TargetSystem: "EHR"}))
	require.NoError(t, table.Subscribe(v2, types.Mask{TargetSystem: "RIS"}))
	assert.Equal(t, 2, table.Len())

	sub, ok := table.Get(v1)
	require.True(t, ok)
	assert.Equal(t, "EHR", sub.Mask.TargetSystem)
	sub, ok = table.Get(v2)
	require.True(t, ok)
	assert.Equal(t, "RIS", sub.Mask.TargetSystem)
	assert.Equal(t, []types.ParticipantID{v1}, table.Subscribers(labToEHR()))
}

func TestSubscriptionTableRejectsInvalidMask(t *testing.T) {
	table := NewSubscriptionTable()
	err := table.Subscribe(types.NewParticipantID("x", "", "y", "1"), types.Mask{Direction: "up"})
	assert.ErrorIs(t, err, types.ErrInvalidMask)
	assert.Equal(t, 0, table.Len())
}

func TestSubscriptionTableUnsubscribe(t *testing.T) {
	table := NewSubscriptionTable()
	p := types.NewParticipantID("ehr", "", "result-consumer", "1.0")
	require.NoError(t, table.Subscribe(p, types.Mask{}))

	assert.True(t, table.Unsubscribe(p))
	assert.False(t, table.Unsubscribe(p))
	_, ok := table.Get(p)
	assert.False(t, ok)
}

func TestSubscriptionTableMaskIsCopied(t *testing.T) {
	table := NewSubscriptionTable()
	p := types.NewParticipantID("ehr", "", "result-consumer", "1.0")
	flag := true
	require.NoError(t, table.Subscribe(p, types.Mask{InternallyDistributable: &flag}))

	flag = false
	sub, _ := table.Get(p)
	assert.True(t, *sub.Mask.InternallyDistributable)
}

func TestSubscriptionTableConcurrentAccess(t *testing.T) {
	table := NewSubscriptionTable()
	manifest := labToEHR()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			p := types.NewParticipantID("sub", "", string(rune('a'+i)), "1")
			for j := 0; j < 50; j++ {
				_ = table.Subscribe(p, types.Mask{TargetSystem: "EHR"})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = table.Subscribers(manifest)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, table.Len())
	assert.Len(t, table.Subscribers(manifest), 8)
}
