package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/adapters/memory"
	"github.com/fortium/eventserver/aggregates"
	"github.com/fortium/eventserver/aggregates/partner"
)

type delivery struct {
	body    []byte
	headers http.Header
}

// recorder is an httptest receiver that records deliveries and answers with status.
type recorder struct {
	mu         sync.Mutex
	deliveries []delivery
	status     int
}

func newRecorder(t *testing.T, status int) (*recorder, *httptest.Server) {
	rec := &recorder{status: status}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.deliveries = append(rec.deliveries, delivery{body: body, headers: r.Header.Clone()})
		status := rec.status
		rec.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return rec, server
}

func (r *recorder) received() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

func TestPublisher_Destination(t *testing.T) {
	assert.Equal(t, "webhook", New().Destination())
}

func TestPublisher_Options(t *testing.T) {
	client := &http.Client{Timeout: 10 * time.Second}
	assert.Same(t, client, New(WithHTTPClient(client)).client)
	assert.Equal(t, 5*time.Second, New(WithTimeout(5*time.Second)).client.Timeout)
}

func TestPublisher_Publish(t *testing.T) {
	rec, server := newRecorder(t, http.StatusOK)

	p := New(WithDefaultHeaders(map[string]string{"Authorization": "Bearer token123"}))
	err := p.Publish(context.Background(), []*eventserver.OutboxMessage{{
		ID:          "msg-1",
		Destination: "webhook:" + server.URL,
		Payload:     []byte(`{"type":"PartnerCreated"}`),
		Headers:     map[string]string{"correlation-id": "cor-1", "causation-id": ""},
	}})
	require.NoError(t, err)

	got := rec.received()
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"type":"PartnerCreated"}`, string(got[0].body))
	assert.Equal(t, "application/json", got[0].headers.Get("Content-Type"))
	assert.Equal(t, "Bearer token123", got[0].headers.Get("Authorization"))
	assert.Equal(t, "cor-1", got[0].headers.Get("X-Outbox-Correlation-Id"))
	assert.Empty(t, got[0].headers.Values("X-Outbox-Causation-Id"))
	assert.Equal(t, "msg-1", got[0].headers.Get(HeaderIdempotencyKey))
	assert.Empty(t, got[0].headers.Get(HeaderSignature))
}

func TestPublisher_Publish_Signed(t *testing.T) {
	rec, server := newRecorder(t, http.StatusAccepted)
	secret := []byte("s3cret")

	p := New(WithSigningSecret(string(secret)))
	require.NoError(t, p.Publish(context.Background(), []*eventserver.OutboxMessage{
		{ID: "msg-1", Destination: "webhook:" + server.URL, Payload: []byte(`{"n":1}`)},
	}))

	got := rec.received()[0]
	sig := got.headers.Get(HeaderSignature)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.True(t, Verify(secret, got.body, sig))
	assert.False(t, Verify([]byte("other"), got.body, sig))
	assert.False(t, Verify(secret, []byte(`{"n":2}`), sig))
}

func TestPublisher_Publish_StatusHandling(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr string
	}{
		{"ok", http.StatusOK, ""},
		{"no content", http.StatusNoContent, ""},
		{"not modified", http.StatusNotModified, "unexpected status 304"},
		{"bad request", http.StatusBadRequest, "unexpected status 400"},
		{"not found", http.StatusNotFound, "unexpected status 404"},
		{"server error", http.StatusInternalServerError, "server error 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, server := newRecorder(t, tt.status)
			err := New().Publish(context.Background(), []*eventserver.OutboxMessage{
				{ID: "msg-1", Destination: "webhook:" + server.URL, Payload: []byte(`{}`)},
			})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPublisher_Publish_AttemptsAll(t *testing.T) {
	rec, server := newRecorder(t, http.StatusOK)

	err := New().Publish(context.Background(), []*eventserver.OutboxMessage{
		{ID: "msg-1", Destination: "invalid", Payload: []byte(`{}`)},
		{ID: "msg-2", Destination: "webhook:" + server.URL, Payload: []byte(`{"n":2}`)},
		{ID: "msg-3", Destination: "webhook:" + server.URL, Payload: []byte(`{"n":3}`)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing URL")
	assert.Len(t, rec.received(), 2)
}

func TestPublisher_Publish_Empty(t *testing.T) {
	assert.NoError(t, New().Publish(context.Background(), nil))
	assert.NoError(t, New().Publish(context.Background(), []*eventserver.OutboxMessage{}))
}

func TestPublisher_Publish_ContextCancellation(t *testing.T) {
	_, server := newRecorder(t, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New().Publish(ctx, []*eventserver.OutboxMessage{
		{ID: "msg-1", Destination: "webhook:" + server.URL, Payload: []byte(`{}`)},
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractURL(t *testing.T) {
	tests := []struct {
		destination string
		want        string
	}{
		{"webhook:https://example.com/events", "https://example.com/events"},
		{"webhook:http://localhost:8080/hook", "http://localhost:8080/hook"},
		{"kafka:topic", ""},
		{"invalid", ""},
		{"webhook:", ""},
	}

	for _, tt := range tests {
		t.Run(tt.destination, func(t *testing.T) {
			assert.Equal(t, tt.want, extractURL(tt.destination))
		})
	}
}

// Committed partner events reach the receiver through the service outbox.
func TestPublisher_ServiceOutbox(t *testing.T) {
	ctx := context.Background()
	rec, server := newRecorder(t, http.StatusOK)

	outbox := memory.NewOutboxStore()
	svc := eventserver.NewService(memory.NewAdapter(), memory.NewDocumentStore(),
		eventserver.WithOutbox(outbox, eventserver.OutboxRoute{
			EventTypes:  []string{"PartnerCreated"},
			Destination: "webhook:" + server.URL,
		}),
	)
	require.NoError(t, aggregates.Register(svc))
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	payload, err := json.Marshal(partner.CreatePartner{FirstName: "Leo", LastName: "Kim", EmailAddress: "leo@x.com"})
	require.NoError(t, err)
	_, err = svc.Submit(eventserver.WithCorrelationID(ctx, "cor-7"), partner.AggregateType, "leo@x.com", partner.CreatePartnerCommand, payload)
	require.NoError(t, err)

	processor := eventserver.NewOutboxProcessor(outbox, eventserver.WithPublisher(New()))
	delivered, err := processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	got := rec.received()
	require.Len(t, got, 1)
	assert.Equal(t, "PartnerCreated", got[0].headers.Get("X-Outbox-Event-Type"))
	assert.Equal(t, "cor-7", got[0].headers.Get("X-Outbox-Correlation-Id"))

	var integration eventserver.IntegrationEvent
	require.NoError(t, json.Unmarshal(got[0].body, &integration))
	assert.Equal(t, "PartnerCreated", integration.Type)
	assert.Equal(t, partner.AggregateType, integration.AggregateType)
	assert.Equal(t, int64(1), integration.SequenceNumber)
}
