package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eden3/eden3/internal/model"
)

func TestDecodeEventKind_EveryKnownTypeHasVariant(t *testing.T) {
	for _, typ := range model.KnownEventTypes {
		kind, err := model.DecodeEventKind(typ, json.RawMessage(`{}`))
		require.NoError(t, err, typ)
		_, unknown := kind.(model.UnknownEvent)
		assert.False(t, unknown, "%s decoded to UnknownEvent", typ)
		assert.Equal(t, typ, kind.EventType())
	}
}

func TestDecodeEventKind_Unknown(t *testing.T) {
	kind, err := model.DecodeEventKind("system.ping", json.RawMessage(`not json`))
	require.NoError(t, err)
	assert.Equal(t, model.UnknownEvent{Type: "system.ping"}, kind)
	assert.Equal(t, "system.ping", kind.EventType())
}

func TestDecodeEventKind_WorkSoldNumericStrings(t *testing.T) {
	payload := json.RawMessage(`{
		"agentId": "abraham",
		"workId": "W1",
		"salePrice": "1.5",
		"royaltyAmount": 0.25,
		"blockNumber": "19000000",
		"gasUsed": 21000
	}`)
	kind, err := model.DecodeEventKind(model.EventTypeWorkSold, payload)
	require.NoError(t, err)

	sold, ok := kind.(model.WorkSold)
	require.True(t, ok)
	assert.Equal(t, "W1", sold.WorkID)
	require.NotNil(t, sold.SalePrice)
	assert.InDelta(t, 1.5, float64(*sold.SalePrice), 1e-9)
	assert.InDelta(t, 0.25, *sold.RoyaltyAmount.Ptr(), 1e-9)
	assert.Equal(t, int64(19000000), *sold.BlockNumber.Ptr())
	assert.Equal(t, int64(21000), *sold.GasUsed.Ptr())
	assert.Empty(t, sold.Currency)
}

func TestDecodeEventKind_InvalidNumber(t *testing.T) {
	_, err := model.DecodeEventKind(model.EventTypeQualityEvaluation, json.RawMessage(`{"score":"high"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quality.evaluation")
}

func TestDecodeEventKind_NonFiniteNumbers(t *testing.T) {
	for _, v := range []string{`"NaN"`, `"Inf"`, `"-Inf"`, `"+Infinity"`} {
		_, err := model.DecodeEventKind(model.EventTypeWorkSold, json.RawMessage(`{"workId":"W1","salePrice":`+v+`}`))
		require.Error(t, err, v)

		_, err = model.DecodeEventKind(model.EventTypeWorkSold, json.RawMessage(`{"workId":"W1","salePrice":1,"gasUsed":`+v+`}`))
		require.Error(t, err, v)
	}
}

func TestDecodeEventKind_EmptyPayload(t *testing.T) {
	kind, err := model.DecodeEventKind(model.EventTypeSocialMention, nil)
	require.NoError(t, err)
	assert.Equal(t, model.MentionRecorded{}, kind)
}

func TestFlexInt_TruncatesFraction(t *testing.T) {
	var v struct {
		N *model.FlexInt `json:"n"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"n":"42.9"}`), &v))
	assert.Equal(t, int64(42), *v.N.Ptr())

	v.N = nil
	require.NoError(t, json.Unmarshal([]byte(`{"n":null}`), &v))
	assert.Nil(t, v.N.Ptr())
}

func TestSaleRevenue(t *testing.T) {
	royalty := 0.15
	s := model.Sale{SalePrice: 1.5}
	assert.InDelta(t, 1.5, s.GrossRevenue(), 1e-9)
	assert.InDelta(t, 1.5, s.NetRevenue(), 1e-9)

	s.RoyaltyAmount = &royalty
	assert.InDelta(t, 1.35, s.NetRevenue(), 1e-9)
}
