package commands

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/adapters/memory"
	"github.com/fortium/eventserver/aggregates"
	"github.com/fortium/eventserver/cli/config"
	"github.com/fortium/eventserver/outbox/webhook"
)

func TestBuildPublishers(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Outbox.KafkaBrokers = []string{"localhost:9092"}
	cfg.Outbox.Routes = []config.RouteConfig{
		{Destination: "kafka:partners"},
		{Destination: "kafka:payments"},
		{Destination: "webhook:http://localhost/hook"},
	}

	pubs, err := buildPublishers(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, p := range pubs {
			_ = p.Close()
		}
	})

	require.Len(t, pubs, 2)
	assert.Equal(t, "kafka", pubs[0].Destination())
	assert.Equal(t, "webhook", pubs[1].Destination())
}

func TestBuildPublishers_NATSUnreachable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Outbox.NATSURL = "nats://127.0.0.1:1"
	cfg.Outbox.Routes = []config.RouteConfig{{Destination: "nats:partners"}}

	_, err := buildPublishers(cfg)
	assert.Error(t, err)
}

func TestDrainOutbox_Webhook(t *testing.T) {
	ctx := context.Background()

	var (
		mu     sync.Mutex
		bodies []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NotEmpty(t, r.Header.Get(webhook.HeaderSignature))
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(server.Close)

	cfg := config.DefaultConfig()
	cfg.Outbox.WebhookSecret = "s3cret"
	cfg.Outbox.Routes = []config.RouteConfig{{EventTypes: []string{"PartnerCreated"}, Destination: "webhook:" + server.URL}}

	store := memory.NewOutboxStore()
	rt := &Runtime{Config: cfg}
	svc := eventserver.NewService(memory.NewAdapter(), memory.NewDocumentStore(), eventserver.WithOutbox(store, rt.Routes()...))
	require.NoError(t, aggregates.Register(svc))
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	for _, id := range []string{"leo@x.com", "ana@x.com"} {
		_, err := svc.Submit(ctx, "partner", id, "CreatePartner", []byte(`{"firstName":"A","lastName":"B"}`))
		require.NoError(t, err)
	}

	pubs, err := buildPublishers(cfg)
	require.NoError(t, err)
	require.Len(t, pubs, 1)

	processor := eventserver.NewOutboxProcessor(store, eventserver.WithPublisher(pubs[0]), eventserver.WithBatchSize(1))
	total, err := drainOutbox(ctx, processor)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[0], `"type":"PartnerCreated"`)
}

func TestOutboxProcess_SQLiteHasNoStore(t *testing.T) {
	env := setupTestEnv(t, func(c *config.Config) {
		c.Outbox.Routes = []config.RouteConfig{{Destination: "webhook:http://localhost/hook"}}
	})

	_, err := env.run("outbox", "process", "--once")
	assert.ErrorContains(t, err, "no outbox store")
}

func TestOutboxProcess_NoRoutes(t *testing.T) {
	env := setupTestEnv(t, func(c *config.Config) { c.Database.Driver = config.DriverMemory })

	out := env.mustRun("outbox", "process", "--once")
	assert.Contains(t, out, "No outbox routes configured")
}

func TestOutboxRoutes(t *testing.T) {
	env := setupTestEnv(t, func(c *config.Config) {
		c.Outbox.KafkaBrokers = []string{"localhost:9092"}
		c.Outbox.Routes = []config.RouteConfig{
			{EventTypes: []string{"PaymentCaptured"}, Destination: "kafka:payments"},
			{Destination: "webhook:http://localhost/hook"},
		}
	})

	out := env.mustRun("outbox", "routes")
	assert.Contains(t, out, "PaymentCaptured")
	assert.Contains(t, out, "kafka:payments")
	assert.Contains(t, out, "all events")
}
