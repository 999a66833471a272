package consumer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"convert-gateway/internal/model"
)

type fakeAck struct {
	acked    bool
	rejected bool
	requeue  bool
}

func (f *fakeAck) Ack(bool) error {
	f.acked = true
	return nil
}

func (f *fakeAck) Reject(requeue bool) error {
	f.rejected = true
	f.requeue = requeue
	return nil
}

func TestProcess(t *testing.T) {
	ev := model.NewEvent(model.EventQuotaExceeded, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	ev.TenantID = "acme"
	ev.Category = model.CategoryRequests
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	var got model.Event
	c := &Consumer{
		Handler: func(e model.Event) error {
			got = e
			return nil
		},
		logger: zap.NewNop(),
	}

	ack := &fakeAck{}
	c.process(body, ack)
	assert.True(t, ack.acked)
	assert.False(t, ack.rejected)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "acme", got.TenantID)
	assert.True(t, ev.CreatedAt.Equal(got.CreatedAt))
}

func TestProcessDeadLetters(t *testing.T) {
	failing := &Consumer{
		Handler: func(model.Event) error { return errors.New("sink down") },
		logger:  zap.NewNop(),
	}

	ack := &fakeAck{}
	failing.process([]byte(`{"type":"quota.reset","reset_count":3}`), ack)
	assert.True(t, ack.rejected)
	assert.False(t, ack.requeue)
	assert.False(t, ack.acked)

	ack = &fakeAck{}
	failing.process([]byte(`not json`), ack)
	assert.True(t, ack.rejected)
	assert.False(t, ack.requeue)
}
