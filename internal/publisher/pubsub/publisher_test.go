package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublishAgainstFakeServer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "lookups")
	require.NoError(t, err)

	pub, err := New(client, "lookups")
	require.NoError(t, err)
	defer pub.Stop()

	id, err := pub.Publish(ctx, "job.finished", map[string]string{"jobId": "job_1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"jobId":"job_1"}`, string(msgs[0].Data))
	require.Equal(t, "job.finished", msgs[0].Attributes["event"])
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "lookups")
	require.Error(t, err)

	var p *Publisher
	_, err = p.Publish(context.Background(), "x", nil)
	require.Error(t, err)
}
