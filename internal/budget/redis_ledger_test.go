package budget

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisLedger(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer client.Close()

	g, err := NewGuard(NewRedisLedger(client, "test:budget"), Config{MonthlyBudget: 1}, WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := g.RecordSpend(ctx, "review", 10, 0.25, nil); err != nil {
			t.Fatalf("RecordSpend: %v", err)
		}
	}
	st, err := g.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Spent != 1.0 || !st.AlertReached {
		t.Fatalf("unexpected status: %+v", st)
	}
	if ok, _, _ := g.CanAfford(ctx, 0.01); ok {
		t.Fatalf("expected budget to be exhausted")
	}
}
