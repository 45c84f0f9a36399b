package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledRecorderIsNoop(t *testing.T) {
	t.Parallel()

	r := NewEventRecorder(false)
	r.RecordNow(0x1000, 0x1000, TypeFault)
	r.Record(time.Now(), 0x2000, 0x1000, TypeMap)

	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Events())
}

func TestNilRecorder(t *testing.T) {
	t.Parallel()

	var r *EventRecorder
	r.RecordNow(0, 0, TypeFault)
	r.SetEnabled(true)
	r.Clear()

	assert.False(t, r.IsEnabled())
	assert.Nil(t, r.Events())
	assert.Equal(t, 0, r.Count())
}

func TestRecord(t *testing.T) {
	t.Parallel()

	r := NewEventRecorder(false)
	r.SetEnabled(true)

	start := time.Now().Add(-time.Millisecond)
	r.Record(start, 0x4000, 0x2000, TypePrefault)
	r.RecordNow(0x5000, 0x1000, TypeUnmap)

	events := r.Events()
	require.Len(t, events, 2)

	assert.Equal(t, start.UnixNano(), events[0].Timestamp)
	assert.GreaterOrEqual(t, events[0].Duration, time.Millisecond.Nanoseconds())
	assert.Equal(t, uint64(0x4000), events[0].Addr)
	assert.Equal(t, "prefault", TypeName(events[0].Type))

	assert.Equal(t, int64(0), events[1].Duration)
	assert.Equal(t, "unmap", TypeName(events[1].Type))

	r.Clear()
	assert.Equal(t, 0, r.Count())
}
