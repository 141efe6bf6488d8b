package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402flash/facilitator/internal/metrics"
	"github.com/x402flash/facilitator/internal/settlement"
)

type delivery struct {
	header http.Header
	body   []byte
}

// receiver records deliveries and answers with the given status codes in
// order, repeating the last one.
func receiver(t *testing.T, statuses ...int) (*httptest.Server, func() []delivery) {
	t.Helper()
	var (
		mu   sync.Mutex
		got  []delivery
		hits atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{header: r.Header.Clone(), body: body})
		mu.Unlock()

		i := int(hits.Add(1)) - 1
		status := http.StatusOK
		if len(statuses) > 0 {
			status = statuses[min(i, len(statuses)-1)]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []delivery {
		mu.Lock()
		defer mu.Unlock()
		return append([]delivery(nil), got...)
	}
}

func TestDeliver_SignsPayload(t *testing.T) {
	srv, deliveries := receiver(t)
	d := NewDispatcher(nil)
	ep := Endpoint{URL: srv.URL, Secret: "whsec_test"}
	event := NewEvent(EventSettlementConfirmed, map[string]any{"txId": "5tx"})

	require.NoError(t, d.Deliver(context.Background(), ep, event))

	got := deliveries()
	require.Len(t, got, 1)
	h := got[0].header
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, string(EventSettlementConfirmed), h.Get(HeaderEvent))
	assert.Equal(t, event.ID, h.Get(HeaderDelivery))
	assert.True(t, Verify("whsec_test", h.Get(HeaderTimestamp), got[0].body, h.Get(HeaderSignature)))
	assert.False(t, Verify("other", h.Get(HeaderTimestamp), got[0].body, h.Get(HeaderSignature)))

	var body Event
	require.NoError(t, json.Unmarshal(got[0].body, &body))
	assert.Equal(t, event.ID, body.ID)
	assert.Equal(t, EventSettlementConfirmed, body.Type)
}

func TestDeliver_NoSecretNoSignature(t *testing.T) {
	srv, deliveries := receiver(t)
	d := NewDispatcher(nil)

	require.NoError(t, d.Deliver(context.Background(), Endpoint{URL: srv.URL}, NewEvent(EventSettlementFailed, nil)))
	assert.Empty(t, deliveries()[0].header.Get(HeaderSignature))
}

func TestDeliver_RetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantErr   bool
		wantCalls int
	}{
		{"server error then success", []int{500, 200}, false, 2},
		{"rate limited then success", []int{429, 204}, false, 2},
		{"client error is final", []int{400}, true, 1},
		{"persistent outage", []int{503}, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, deliveries := receiver(t, tt.statuses...)
			d := NewDispatcher(nil, WithRetry(3, time.Millisecond))

			err := d.Deliver(context.Background(), Endpoint{URL: srv.URL}, NewEvent(EventSettlementConfirmed, nil))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, deliveries(), tt.wantCalls)
		})
	}
}

func TestDeliver_CountsOutcomes(t *testing.T) {
	srv, _ := receiver(t, http.StatusGone)
	d := NewDispatcher(nil, WithRetry(1, time.Millisecond))
	failed := metrics.WebhookDeliveriesTotal.WithLabelValues(string(EventSettlementFailed), "failed")

	before := testutil.ToFloat64(failed)
	_ = d.Deliver(context.Background(), Endpoint{URL: srv.URL}, NewEvent(EventSettlementFailed, nil))
	assert.Equal(t, before+1, testutil.ToFloat64(failed))
}

func TestDispatch_FiltersAndDrains(t *testing.T) {
	all, allDeliveries := receiver(t)
	failedOnly, failedDeliveries := receiver(t)
	d := NewDispatcher([]Endpoint{
		{URL: all.URL},
		{URL: failedOnly.URL, Events: []EventType{EventSettlementFailed}},
	})

	d.SettlementRecorded(&settlement.Record{Agent: "A", Amount: 10, Status: settlement.StatusConfirmed, TxID: "5tx"})
	d.SettlementRecorded(&settlement.Record{Agent: "A", Amount: 10, Status: settlement.StatusFailed, Error: "InvalidNonce"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	assert.Len(t, allDeliveries(), 2)
	got := failedDeliveries()
	require.Len(t, got, 1)
	assert.Equal(t, string(EventSettlementFailed), got[0].header.Get(HeaderEvent))

	var body struct {
		Data settlement.Record `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got[0].body, &body))
	assert.Equal(t, "InvalidNonce", body.Data.Error)
	assert.Equal(t, uint64(10), body.Data.Amount)
}

func TestDispatch_AfterCloseDropped(t *testing.T) {
	srv, deliveries := receiver(t)
	d := NewDispatcher([]Endpoint{{URL: srv.URL}})
	require.NoError(t, d.Close(context.Background()))

	d.Dispatch(NewEvent(EventSettlementConfirmed, nil))
	require.NoError(t, d.Close(context.Background()))
	assert.Empty(t, deliveries())
}

func TestVerify_RejectsGarbage(t *testing.T) {
	assert.False(t, Verify("s", "1", []byte("{}"), "not-hex"))
	sig := Sign("s", "1", []byte("{}"))
	assert.True(t, Verify("s", "1", []byte("{}"), sig))
	assert.False(t, Verify("s", "2", []byte("{}"), sig), "timestamp is signed")
}
