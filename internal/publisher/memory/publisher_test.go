package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "lookups", map[string]string{"jobId": "job_1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "lookups", msgs[0].Topic)
	require.JSONEq(t, `{"jobId":"job_1"}`, string(msgs[0].Data))
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "lookups", make(chan int))
	require.Error(t, err)
	require.Empty(t, p.Messages())
}
