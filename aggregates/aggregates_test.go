package aggregates_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/adapters/memory"
	"github.com/fortium/eventserver/aggregates"
	"github.com/fortium/eventserver/aggregates/partner"
	"github.com/fortium/eventserver/aggregates/payment"
	"github.com/fortium/eventserver/aggregates/user"
	"github.com/fortium/eventserver/aggregates/videoconference"
	"github.com/fortium/eventserver/testing/assertions"
	"github.com/fortium/eventserver/testing/bdd"
)

const (
	leo          = "leo@x.com"
	ana          = "ana@x.com"
	conferenceID = "6f1c2a5e-8d4b-4c1e-9a57-2b9f0d3e4a61"
)

func newService(t *testing.T, adapter *memory.MemoryAdapter) *eventserver.Service {
	t.Helper()
	svc := eventserver.NewService(adapter, memory.NewDocumentStore())
	require.NoError(t, aggregates.Register(svc))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func submit(t *testing.T, svc *eventserver.Service, aggType, id, cmdType string, payload interface{}) *eventserver.SubmitResult {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	res, err := svc.Submit(context.Background(), aggType, id, cmdType, raw)
	require.NoError(t, err)
	return res
}

func document(t *testing.T, svc *eventserver.Service, projection, key string) map[string]interface{} {
	t.Helper()
	require.NoError(t, svc.Drain(context.Background()))
	raw, err := svc.GetProjection(context.Background(), projection, key)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func TestDefinitions_AreComplete(t *testing.T) {
	for _, def := range aggregates.Definitions() {
		assert.NoError(t, def.Validate(), def.Name())
	}
}

func TestRegister_RejectsSecondRegistration(t *testing.T) {
	svc := eventserver.NewService(memory.NewAdapter(), memory.NewDocumentStore())
	require.NoError(t, aggregates.Register(svc))
	assert.Error(t, aggregates.Register(svc))
}

func TestScenario_CreatePartnerThenAddSkill(t *testing.T) {
	svc := newService(t, memory.NewAdapter())

	bdd.GivenService(t, svc).
		When(partner.AggregateType, leo, partner.CreatePartnerCommand, partner.CreatePartner{FirstName: "Leo", LastName: "D'Angelo", EmailAddress: leo}).
		ThenSucceeds().
		ThenAccepted("PartnerCreated").
		ThenReturnsVersion(1)

	res := submit(t, svc, partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"})
	require.Len(t, res.AcceptedEvents, 1)
	assert.Equal(t, eventserver.AcceptedEvent{Type: "PartnerSkillAdded", SequenceNumber: 2}, res.AcceptedEvents[0])
	assert.Equal(t, int64(2), res.Version)

	doc := document(t, svc, partner.ProjectionName, leo)
	assert.Equal(t, "Leo", doc["firstName"])
	assert.Equal(t, "D'Angelo", doc["lastName"])
	assert.Equal(t, leo, doc["emailAddress"])
	assert.Equal(t, []interface{}{"AWS"}, doc["skills"])
}

func TestScenario_ExpectedVersionWithStaleActor(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	a := newService(t, adapter)
	b := newService(t, adapter)

	submit(t, a, partner.AggregateType, leo, partner.CreatePartnerCommand, partner.CreatePartner{FirstName: "Leo", LastName: "D'Angelo", EmailAddress: leo})
	submit(t, b, partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "Go"})

	cmd, err := eventserver.NewJSONCommand(partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"})
	require.NoError(t, err)
	result, err := a.SubmitCommand(ctx, cmd.WithExpectedVersion(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Version)

	stale, err := eventserver.NewJSONCommand(partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "GCP"})
	require.NoError(t, err)
	_, err = b.SubmitCommand(ctx, stale.WithExpectedVersion(2))
	assert.ErrorIs(t, err, eventserver.ErrConcurrencyConflict)

	doc := document(t, a, partner.ProjectionName, leo)
	assert.Equal(t, []interface{}{"Go", "AWS"}, doc["skills"])
}

func TestScenario_StoredEvents(t *testing.T) {
	adapter := memory.NewAdapter()
	svc := newService(t, adapter)
	ctx := eventserver.WithCorrelationID(context.Background(), "corr-leo")

	for _, step := range []struct {
		cmd     string
		payload interface{}
	}{
		{partner.CreatePartnerCommand, partner.CreatePartner{FirstName: "Leo", LastName: "Rivera"}},
		{partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"}},
		{partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"}},
	} {
		raw, err := json.Marshal(step.payload)
		require.NoError(t, err)
		res, err := svc.Submit(ctx, partner.AggregateType, leo, step.cmd, raw)
		require.NoError(t, err)
		require.True(t, res.OK(), res.Message)
	}

	stream := eventserver.BuildStreamID(partner.AggregateType, leo)
	events, err := svc.Store().Load(context.Background(), stream, 0)
	require.NoError(t, err)

	assertions.AssertEventTypes(t, events, "PartnerCreated", "PartnerSkillAdded")
	assertions.AssertStreamSequence(t, events, stream, 1)
	assertions.AssertGlobalOrder(t, events)
	assertions.AssertCorrelated(t, events, "corr-leo")
	assertions.AssertAnyMatch(t, events, assertions.MatchEventType("PartnerSkillAdded"))
	assertions.AssertNoneMatch(t, events, assertions.MatchStream(eventserver.BuildStreamID(partner.AggregateType, ana)))
}

func TestScenario_DuplicateSkillIsNoOp(t *testing.T) {
	svc := newService(t, memory.NewAdapter())
	submit(t, svc, partner.AggregateType, leo, partner.CreatePartnerCommand, partner.CreatePartner{FirstName: "Leo", LastName: "Rivera"})
	submit(t, svc, partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"})

	bdd.GivenService(t, svc).
		When(partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"}).
		ThenSucceeds().
		ThenAccepted().
		ThenReturnsVersion(2)

	version, err := svc.StreamVersion(context.Background(), partner.AggregateType, leo)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestScenario_ConferenceEndBeforeStart(t *testing.T) {
	svc := newService(t, memory.NewAdapter())
	start := time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

	bdd.GivenService(t, svc).
		When(videoconference.AggregateType, conferenceID, videoconference.CreateVideoConferenceCommand, videoconference.CreateVideoConference{
			StartTime: start,
			EndTime:   start.Add(-time.Hour),
			UserID:    ana,
			PartnerID: leo,
		}).
		ThenFails(eventserver.KindBusinessRule).
		ThenMessage("EndTime must be after StartTime")

	version, err := svc.StreamVersion(context.Background(), videoconference.AggregateType, conferenceID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestScenario_ConcurrentStaleSubmissions(t *testing.T) {
	ctx := context.Background()
	var (
		other *eventserver.Service
		fired atomic.Bool
		inner *eventserver.SubmitResult
	)

	// The hook lets a second process commit against the same stream while
	// the first submission is between evaluation and append.
	adapter := memory.NewAdapter(memory.WithAppendHook(func(ctx context.Context, streamID string, expected int64) error {
		if expected != 1 || !fired.CompareAndSwap(false, true) {
			return nil
		}
		res, err := other.Submit(ctx, partner.AggregateType, leo, partner.AddSkillCommand, []byte(`{"skill":"Go"}`))
		if err != nil {
			return err
		}
		inner = res
		return nil
	}))

	svc := newService(t, adapter)
	other = newService(t, adapter)

	_, err := svc.Store().Append(ctx, eventserver.BuildStreamID(partner.AggregateType, leo), eventserver.NoStream,
		eventserver.Events(partner.PartnerCreated{FirstName: "Leo", LastName: "Rivera", EmailAddress: leo}), eventserver.Metadata{})
	require.NoError(t, err)

	cmd, err := eventserver.NewJSONCommand(partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"})
	require.NoError(t, err)
	result, err := svc.SubmitCommand(ctx, cmd)
	require.NoError(t, err)

	require.NotNil(t, inner)
	assert.True(t, inner.OK())
	assert.Equal(t, int64(2), inner.Version)

	assert.True(t, result.Retried)
	assert.Equal(t, int64(3), result.Version)

	version, err := svc.StreamVersion(ctx, partner.AggregateType, leo)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
}

func TestScenario_SecondConflictIsRetryable(t *testing.T) {
	ctx := context.Background()
	var writer *eventserver.EventStore
	adapter := memory.NewAdapter(memory.WithAppendHook(func(ctx context.Context, streamID string, expected int64) error {
		if expected == eventserver.AnyVersion {
			return nil
		}
		_, err := writer.Append(ctx, streamID, eventserver.AnyVersion,
			eventserver.Events(partner.PartnerBioUpdated{Bio: time.Now().String()}), eventserver.Metadata{})
		return err
	}))
	svc := newService(t, adapter)
	writer = svc.Store()

	_, err := writer.Append(ctx, eventserver.BuildStreamID(partner.AggregateType, leo), eventserver.AnyVersion,
		eventserver.Events(partner.PartnerCreated{FirstName: "Leo", LastName: "Rivera", EmailAddress: leo}), eventserver.Metadata{})
	require.NoError(t, err)

	bdd.GivenService(t, svc).
		When(partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"}).
		ThenFails(eventserver.KindConcurrency)
}

func TestProperty_ReplayDeterminism(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	svc := newService(t, adapter)

	submit(t, svc, partner.AggregateType, leo, partner.CreatePartnerCommand, partner.CreatePartner{FirstName: "Leo", LastName: "Rivera"})
	submit(t, svc, partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "AWS", YearsOfExperience: 4})
	submit(t, svc, partner.AggregateType, leo, partner.UpdateBioCommand, partner.UpdateBio{Bio: "Cloud architect"})
	submit(t, svc, partner.AggregateType, leo, partner.LogInCommand, partner.LogIn{LoginTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)})

	events, err := svc.Store().Load(ctx, eventserver.BuildStreamID(partner.AggregateType, leo), 0)
	require.NoError(t, err)
	require.Len(t, events, 4)

	def := partner.Definition()
	first, err := def.Replay(leo, events)
	require.NoError(t, err)
	second, err := def.Replay(leo, events)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(4), first.Version)

	// A fresh process over the same log reaches the same version.
	fresh := newService(t, adapter)
	res := submit(t, fresh, partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"})
	assert.Empty(t, res.AcceptedEvents)
	assert.Equal(t, int64(4), res.Version)
}

func TestProperty_ProjectionIdempotence(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, memory.NewAdapter())
	submit(t, svc, partner.AggregateType, leo, partner.CreatePartnerCommand, partner.CreatePartner{FirstName: "Leo", LastName: "Rivera"})
	submit(t, svc, partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"})

	before := document(t, svc, partner.ProjectionName, leo)

	events, err := svc.Store().Load(ctx, eventserver.BuildStreamID(partner.AggregateType, leo), 0)
	require.NoError(t, err)
	require.NoError(t, svc.Projections().Apply(ctx, partner.ProjectionName, events))
	require.NoError(t, svc.Projections().Apply(ctx, partner.ProjectionName, events))

	after := document(t, svc, partner.ProjectionName, leo)
	assert.Equal(t, before, after)
	assert.Equal(t, []interface{}{"AWS"}, after["skills"])
}

func TestProperty_NoPartialCommits(t *testing.T) {
	ctx := context.Background()
	var failing atomic.Bool
	outage := errors.New("disk on fire")
	adapter := memory.NewAdapter(memory.WithAppendHook(func(context.Context, string, int64) error {
		if failing.Load() {
			return outage
		}
		return nil
	}))
	svc := newService(t, adapter)
	submit(t, svc, partner.AggregateType, leo, partner.CreatePartnerCommand, partner.CreatePartner{FirstName: "Leo", LastName: "Rivera"})

	failing.Store(true)
	res, err := svc.Submit(ctx, partner.AggregateType, leo, partner.AddSkillCommand, []byte(`{"skill":"AWS"}`))
	require.Error(t, err)
	assert.Equal(t, eventserver.KindStorage, res.ErrorKind)
	assert.True(t, res.Retryable)
	assert.Empty(t, res.AcceptedEvents)

	version, err := svc.StreamVersion(ctx, partner.AggregateType, leo)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, []interface{}{}, document(t, svc, partner.ProjectionName, leo)["skills"])

	// The actor reloads from the log and the retry lands at the next version.
	failing.Store(false)
	res = submit(t, svc, partner.AggregateType, leo, partner.AddSkillCommand, partner.AddSkill{Skill: "AWS"})
	assert.Equal(t, int64(2), res.Version)
}

func TestBookingFlow(t *testing.T) {
	svc := newService(t, memory.NewAdapter())
	start := time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

	submit(t, svc, partner.AggregateType, leo, partner.CreatePartnerCommand, partner.CreatePartner{FirstName: "Leo", LastName: "Rivera"})
	submit(t, svc, user.AggregateType, ana, user.CreateUserCommand, user.CreateUser{FirstName: "Ana", LastName: "Silva"})

	res := submit(t, svc, videoconference.AggregateType, conferenceID, videoconference.CreateVideoConferenceCommand, videoconference.CreateVideoConference{
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		UserID:    ana,
		PartnerID: leo,
		Rate:      &aggregates.RateInformation{RatePerMinute: 250, BillingIncrementMinutes: 1},
	})
	require.True(t, res.OK())

	submit(t, svc, videoconference.AggregateType, conferenceID, videoconference.StartConferenceCommand, videoconference.StartConference{StartedAt: start})
	submit(t, svc, videoconference.AggregateType, conferenceID, videoconference.EndConferenceCommand, videoconference.EndConference{EndedAt: start.Add(30 * time.Minute), Rating: 5})

	submit(t, svc, payment.AggregateType, "pay-1", payment.AuthorizeConferencePaymentCommand, payment.AuthorizeConferencePayment{
		ConferenceID: conferenceID, Amount: 7500, Currency: "usd", UserID: ana, PartnerID: leo,
	})
	submit(t, svc, payment.AggregateType, "pay-1", payment.CapturePaymentCommand, payment.CapturePayment{PaymentIntentID: "pi_1"})
	submit(t, svc, payment.AggregateType, "pay-1", payment.RefundPaymentCommand, payment.RefundPayment{Amount: 1000})

	p := document(t, svc, partner.ProjectionName, leo)
	assert.Equal(t, []interface{}{conferenceID}, p["videoConferences"])

	u := document(t, svc, user.ProjectionName, ana)
	assert.Equal(t, []interface{}{conferenceID}, u["videoConferences"])

	history := document(t, svc, videoconference.SessionHistoryName, ana)
	require.Len(t, history["sessions"], 1)

	stats := document(t, svc, aggregates.PartnerSessionStatsName, leo)
	assert.Equal(t, 1.0, stats["booked"])
	assert.Equal(t, 1.0, stats["completed"])
	assert.Equal(t, 30.0, stats["totalMinutes"])
	assert.Equal(t, 5.0, stats["averageRating"])
	assert.Equal(t, 75.0, stats["billedAmount"])
	assert.Equal(t, 65.0, stats["netRevenue"])

	pay := document(t, svc, payment.ProjectionName, "pay-1")
	assert.Equal(t, "Refunded", pay["status"])
	assert.Equal(t, "USD", pay["currency"])
}
