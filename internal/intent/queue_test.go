package intent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Nexus/internal/errors"
)

func TestPopHighestOrdersByPriorityThenInsertion(t *testing.T) {
	q := NewQueue()
	q.Push(Intent{ID: "low", Priority: 1, Description: "a"})
	q.Push(Intent{ID: "high-1", Priority: 10, Description: "b"})
	q.Push(Intent{ID: "mid", Priority: 5, Description: "c"})
	q.Push(Intent{ID: "high-2", Priority: 10, Description: "d"})

	var order []string
	for {
		item, ok := q.PopHighest()
		if !ok {
			break
		}
		order = append(order, item.ID)
	}
	assert.Equal(t, []string{"high-1", "high-2", "mid", "low"}, order)
}

func TestPushStoresCopy(t *testing.T) {
	q := NewQueue()
	payload := map[string]any{"action": "scan"}
	q.Push(Intent{ID: "a", Payload: payload})
	payload["action"] = "mutated"

	item, ok := q.PopHighest()
	require.True(t, ok)
	assert.Equal(t, "scan", item.Action())
}

func TestRestoreKeepsSequenceMonotonic(t *testing.T) {
	q := NewQueue()
	q.Restore(PersistedQueueState{Queue: []Intent{
		{ID: "a", Priority: 1, Seq: 7},
		{ID: "b", Priority: 1},
	}})
	pushed, n := q.Push(Intent{ID: "c", Priority: 1})
	assert.Equal(t, 3, n)
	assert.Greater(t, pushed.Seq, uint64(8))

	first, _ := q.PopHighest()
	second, _ := q.PopHighest()
	third, _ := q.PopHighest()
	assert.Equal(t, []string{"a", "b", "c"}, []string{first.ID, second.ID, third.ID})
}

func TestPersistedStateJSONShape(t *testing.T) {
	q := NewQueue()
	q.Push(Intent{ID: "a", Origin: OriginAPI, Description: "x"})
	state := q.State(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	raw, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "2024-01-02T03:04:05Z", decoded["lastUpdate"])
	assert.Len(t, decoded["queue"], 1)
}

func TestValidate(t *testing.T) {
	err := Intent{}.Validate()
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeIntentValidation, xerrors.CodeOf(err))

	assert.Error(t, Intent{Description: "x", Priority: MaxPriority + 1}.Validate())
	assert.NoError(t, Intent{Payload: map[string]any{"k": 1}}.Validate())
}

func TestNormalize(t *testing.T) {
	it := Intent{Origin: "TELEGRAM", Description: "  hi  "}
	it.Normalize(time.Now())
	assert.NotEmpty(t, it.ID)
	assert.Equal(t, OriginOther, it.Origin)
	assert.Equal(t, "hi", it.Description)
	assert.Equal(t, OriginInternalChain, ParseOrigin("internal-chain"))
}
