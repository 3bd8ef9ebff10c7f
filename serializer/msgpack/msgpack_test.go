package msgpack

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/adapters/memory"
	"github.com/fortium/eventserver/aggregates"
	"github.com/fortium/eventserver/aggregates/partner"
)

func TestSerializer_RoundTrip(t *testing.T) {
	s := NewSerializer()
	s.Register("PartnerWorkExperienceAdded", partner.PartnerWorkExperienceAdded{})

	end := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	in := partner.PartnerWorkExperienceAdded{
		StartDate:   time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC),
		EndDate:     &end,
		CompanyName: "Fortium",
		Title:       "Engineer",
	}

	data, err := s.Serialize(in)
	require.NoError(t, err)
	assert.False(t, json.Valid(data))

	out, err := s.Deserialize(data, "PartnerWorkExperienceAdded")
	require.NoError(t, err)
	got := out.(partner.PartnerWorkExperienceAdded)
	assert.True(t, in.StartDate.Equal(got.StartDate))
	require.NotNil(t, got.EndDate)
	assert.True(t, end.Equal(*got.EndDate))
	assert.Equal(t, "Fortium", got.CompanyName)
}

func TestSerializer_UsesJSONFieldNames(t *testing.T) {
	s := NewSerializer()
	data, err := s.Serialize(partner.PartnerBioUpdated{Bio: "hi"})
	require.NoError(t, err)
	assert.Contains(t, string(data), "bio")
	assert.NotContains(t, string(data), "Bio")
}

func TestSerializer_Errors(t *testing.T) {
	s := NewSerializer()
	s.Register("PartnerBioUpdated", &partner.PartnerBioUpdated{})

	_, err := s.Serialize(nil)
	assert.ErrorIs(t, err, eventserver.ErrSerializationFailed)

	_, err = s.Deserialize([]byte{0x81}, "PartnerMoved")
	assert.ErrorIs(t, err, eventserver.ErrUnknownEventType)

	_, err = s.Deserialize(nil, "PartnerBioUpdated")
	assert.ErrorIs(t, err, eventserver.ErrSerializationFailed)

	_, err = s.Deserialize([]byte{0xc1}, "PartnerBioUpdated")
	assert.ErrorIs(t, err, eventserver.ErrSerializationFailed)

	typ, ok := s.Registry().Lookup("PartnerBioUpdated")
	require.True(t, ok)
	assert.Equal(t, "PartnerBioUpdated", typ.Name())
}

func TestSerializer_BacksTheService(t *testing.T) {
	ctx := context.Background()
	adapter := memory.NewAdapter()
	svc := eventserver.NewService(adapter, memory.NewDocumentStore(), eventserver.WithServiceSerializer(NewSerializer()))
	require.NoError(t, aggregates.Register(svc))
	require.NoError(t, svc.Start(ctx))
	defer func() { _ = svc.Close(ctx) }()

	payload := []byte(`{"firstName":"Leo","lastName":"Rivera"}`)
	res, err := svc.Submit(ctx, partner.AggregateType, "leo@x.com", partner.CreatePartnerCommand, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)

	raw, err := adapter.Load(ctx, "partner-leo@x.com", 0)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.False(t, json.Valid(raw[0].Data))

	require.NoError(t, svc.Drain(ctx))
	doc, err := svc.GetProjection(ctx, partner.ProjectionName, "leo@x.com")
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"firstName":"Leo"`)
}

func TestToJSON(t *testing.T) {
	s := NewSerializer()
	data, err := s.Serialize(partner.PartnerCreated{FirstName: "Leo", LastName: "Kim"})
	require.NoError(t, err)

	out, err := ToJSON(data)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"firstName":"Leo"`)

	plain := []byte(`{"a":1}`)
	out, err = ToJSON(plain)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	_, err = ToJSON([]byte{0xc1})
	assert.Error(t, err)
}
