package projections

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/aggregates/partner"
)

// mockT captures failures so fixture assertions can be tested.
type mockT struct {
	testing.TB
	failed bool
	fatal  bool
}

func (m *mockT) Helper()                           {}
func (m *mockT) Error(args ...any)                 { m.failed = true }
func (m *mockT) Errorf(format string, args ...any) { m.failed = true }
func (m *mockT) Fail()                             { m.failed = true }
func (m *mockT) FailNow()                          { m.failed = true; runtime.Goexit() }
func (m *mockT) Failed() bool                      { return m.failed }
func (m *mockT) Fatal(args ...any)                 { m.failed = true; m.fatal = true; runtime.Goexit() }
func (m *mockT) Fatalf(format string, args ...any) { m.failed = true; m.fatal = true; runtime.Goexit() }

func runWithMockT(fn func(m *mockT)) *mockT {
	mt := &mockT{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}

var committed = time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)

func partnerFixture(t TB) *Fixture[partner.Document] {
	return TestProjection[partner.Document](t, partner.Projection()).
		WithClock(func() time.Time { return committed })
}

func TestFixture_GivenEvents(t *testing.T) {
	f := partnerFixture(t).
		GivenEvents("partner-leo@x.com",
			partner.PartnerCreated{FirstName: "Leo", LastName: "Kim", EmailAddress: "leo@x.com"},
			partner.PartnerSkillAdded{Skill: "Go", YearsOfExperience: 5, ExperienceLevel: "Expert"},
		)

	f.ThenDocumentMatches("leo@x.com", func(t TB, doc *partner.Document) {
		assert.Equal(t, "Leo", doc.FirstName)
		assert.Equal(t, []string{"Go"}, doc.Skills)
		assert.Equal(t, committed, doc.UpdateDate)
	})
	f.ThenDocumentCount(1)
	f.ThenPosition("partner-leo@x.com", 2)
	f.ThenNoDocument("bo@x.com")
	assert.Len(t, f.Events(), 2)
}

func TestFixture_RedeliveryIsSkipped(t *testing.T) {
	f := partnerFixture(t).
		GivenEvents("partner-leo@x.com",
			partner.PartnerCreated{FirstName: "Leo", EmailAddress: "leo@x.com"},
			partner.PartnerSkillAdded{Skill: "Go"},
		)

	f.GivenStoredEvents(f.Events()...)

	doc, ok := f.Document("leo@x.com")
	require.True(t, ok)
	assert.Equal(t, []string{"Go"}, doc.Skills)
	f.ThenPosition("partner-leo@x.com", 2)
}

func TestFixture_ThenDocument(t *testing.T) {
	f := partnerFixture(t).
		GivenEvents("partner-bo@x.com", partner.PartnerCreated{FirstName: "Bo", LastName: "Li", EmailAddress: "bo@x.com"})

	f.ThenDocument("bo@x.com", partner.Document{
		FirstName:    "Bo",
		LastName:     "Li",
		EmailAddress: "bo@x.com",
		Skills:       []string{},
		CreateDate:   committed,
		UpdateDate:   committed,
	})
}

func TestFixture_Failures(t *testing.T) {
	t.Run("missing document is fatal", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			partnerFixture(m).ThenDocumentExists("nobody@x.com")
		})
		assert.True(t, mt.fatal)
	})

	t.Run("mismatch fails", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			partnerFixture(m).
				GivenEvents("partner-bo@x.com", partner.PartnerCreated{FirstName: "Bo", EmailAddress: "bo@x.com"}).
				ThenDocument("bo@x.com", partner.Document{FirstName: "Al"})
		})
		assert.True(t, mt.failed)
		assert.False(t, mt.fatal)
	})

	t.Run("wrong count fails", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			partnerFixture(m).ThenDocumentCount(3)
		})
		assert.True(t, mt.failed)
	})

	t.Run("duplicate projection name cannot register twice", func(t *testing.T) {
		f := partnerFixture(t)
		assert.Error(t, f.Engine().Register(partner.Projection()))
	})
}

func TestFixture_IgnoresUnhandledEvents(t *testing.T) {
	type Unrelated struct{ N int }

	f := partnerFixture(t).GivenEvents("partner-leo@x.com", Unrelated{N: 1})
	f.ThenDocumentCount(0)
	assert.Equal(t, "Unrelated", eventserver.GetEventType(Unrelated{}))
}
