package uaclient

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plc-bridge/backend/internal/config"
	"github.com/plc-bridge/backend/internal/upstream"
)

func TestVariantFor(t *testing.T) {
	tests := []struct {
		valueType string
		in        float64
		want      interface{}
		typeID    ua.TypeID
	}{
		{"int16", 16383.6, int16(16384), ua.TypeIDInt16},
		{"int16", 40000, int16(math.MaxInt16), ua.TypeIDInt16},
		{"int16", -40000, int16(math.MinInt16), ua.TypeIDInt16},
		{"", 12, int16(12), ua.TypeIDInt16},
		{"uint16", -5, uint16(0), ua.TypeIDUint16},
		{"uint16", 65535, uint16(65535), ua.TypeIDUint16},
		{"int32", 100000, int32(100000), ua.TypeIDInt32},
		{"float", 1.5, float32(1.5), ua.TypeIDFloat},
		{"double", 0.25, 0.25, ua.TypeIDDouble},
	}
	for _, tt := range tests {
		v, err := variantFor(tt.valueType, tt.in)
		require.NoError(t, err, "%s %v", tt.valueType, tt.in)
		assert.Equal(t, tt.want, v.Value(), "%s %v", tt.valueType, tt.in)
		assert.Equal(t, tt.typeID, v.Type(), "%s %v", tt.valueType, tt.in)
	}
}

func TestVariantForRejects(t *testing.T) {
	_, err := variantFor("int8", 1)
	assert.Error(t, err)
	_, err = variantFor("int16", math.NaN())
	assert.Error(t, err)
}

func TestToFloat(t *testing.T) {
	tests := []struct {
		in   interface{}
		want float64
	}{
		{int8(-3), -3},
		{int16(32767), 32767},
		{int32(-7), -7},
		{int64(9), 9},
		{uint8(200), 200},
		{uint16(65535), 65535},
		{uint32(70000), 70000},
		{uint64(1), 1},
		{float32(0.5), 0.5},
		{2.25, 2.25},
		{true, 1},
		{false, 0},
	}
	for _, tt := range tests {
		got, err := toFloat(tt.in)
		require.NoError(t, err, "%T", tt.in)
		assert.Equal(t, tt.want, got, "%T", tt.in)
	}

	_, err := toFloat("12")
	assert.True(t, errors.Is(err, errNotNumeric))
}

func dataValue(v interface{}) *ua.DataValue {
	return &ua.DataValue{EncodingMask: ua.DataValueValue, Value: ua.MustVariant(v)}
}

func TestTranslateDataChange(t *testing.T) {
	n, ok := translate(&opcua.PublishNotificationData{
		Value: &ua.DataChangeNotification{
			MonitoredItems: []*ua.MonitoredItemNotification{
				{ClientHandle: 1, Value: dataValue(int16(100))},
				{ClientHandle: 2, Value: dataValue("text")},
				{ClientHandle: 3, Value: dataValue(float64(7.5))},
			},
		},
	}, zerolog.Nop())

	require.True(t, ok)
	assert.False(t, n.Terminated)
	assert.Equal(t, []upstream.DataChange{
		{ClientHandle: 1, Value: 100},
		{ClientHandle: 3, Value: 7.5},
	}, n.Changes)
}

func TestTranslateTermination(t *testing.T) {
	n, ok := translate(&opcua.PublishNotificationData{
		Value: &ua.StatusChangeNotification{Status: ua.StatusBadTimeout},
	}, zerolog.Nop())
	require.True(t, ok)
	assert.True(t, n.Terminated)
	assert.True(t, errors.Is(n.Err, upstream.ErrTerminated))

	n, ok = translate(&opcua.PublishNotificationData{Error: errors.New("publish failed")}, zerolog.Nop())
	require.True(t, ok)
	assert.True(t, n.Terminated)
	assert.True(t, errors.Is(n.Err, upstream.ErrTerminated))
}

func TestTranslateIgnores(t *testing.T) {
	_, ok := translate(nil, zerolog.Nop())
	assert.False(t, ok)

	_, ok = translate(&opcua.PublishNotificationData{Value: &ua.EventNotificationList{}}, zerolog.Nop())
	assert.False(t, ok)

	_, ok = translate(&opcua.PublishNotificationData{
		Value: &ua.DataChangeNotification{
			MonitoredItems: []*ua.MonitoredItemNotification{{ClientHandle: 1, Value: dataValue("x")}},
		},
	}, zerolog.Nop())
	assert.False(t, ok, "no usable change")
}

func TestAppendReferences(t *testing.T) {
	refs := appendReferences(nil, []*ua.ReferenceDescription{
		{
			BrowseName: &ua.QualifiedName{NamespaceIndex: 4, Name: "AI0"},
			NodeID:     ua.NewExpandedNodeID(ua.NewStringNodeID(4, "|var|PLC.Application.AI0"), "", 0),
		},
		nil,
		{BrowseName: &ua.QualifiedName{Name: "no node"}},
	})
	require.Len(t, refs, 1)
	assert.Equal(t, "AI0", refs[0].Name)
	assert.Equal(t, upstream.NodeHandle("ns=4;s=|var|PLC.Application.AI0"), refs[0].Handle)
}

func TestCallsBeforeConnect(t *testing.T) {
	c := New(config.Default().Upstream, zerolog.Nop())
	ctx := context.Background()

	_, err := c.Browse(ctx, "i=84")
	assert.ErrorIs(t, err, upstream.ErrNotOpen)
	_, err = c.Read(ctx, "i=84")
	assert.ErrorIs(t, err, upstream.ErrNotOpen)
	assert.ErrorIs(t, c.Write(ctx, "i=84", 1), upstream.ErrNotOpen)
	_, err = c.CreateSubscription(ctx, upstream.SubscriptionParams{}, make(chan upstream.Notification))
	assert.ErrorIs(t, err, upstream.ErrNotOpen)
	assert.NoError(t, c.Close(ctx))
}
