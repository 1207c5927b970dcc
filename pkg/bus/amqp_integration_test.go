//go:build integration

package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestAMQPSource(t *testing.T) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp"),
				wait.ForLog("Server startup complete"),
			).WithDeadline(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate rabbitmq: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())

	q := NewQueue(16, discard(), nil)
	src := NewAMQPSource(AMQPOptions{URL: url, ReconnectDelay: 100 * time.Millisecond, Logger: discard()}, q)
	require.NoError(t, src.Start(ctx))
	defer src.Stop()

	conn, err := amqp.Dial(url)
	require.NoError(t, err)
	defer conn.Close()
	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	var got Message
	require.Eventually(t, func() bool {
		err := ch.PublishWithContext(ctx, DefaultExchange, "msh.US.2.e.LongFast.!abcdef01", false, false,
			amqp.Publishing{Body: []byte{0x0a}})
		require.NoError(t, err)
		select {
		case got = <-q.C():
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 100*time.Millisecond)
	require.Equal(t, "msh/US/2/e/LongFast/!abcdef01", got.Topic)
	require.Equal(t, []byte{0x0a}, got.Payload)
}
