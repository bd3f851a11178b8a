package certstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAfter fires immediately and records every requested interval
type recordingAfter struct {
	mu        sync.Mutex
	intervals []time.Duration
}

func (r *recordingAfter) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.intervals = append(r.intervals, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

func (r *recordingAfter) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.intervals...)
}

func TestPollerBacksOffOnTransientErrors(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	after := &recordingAfter{}
	f.poller.params.After = after.After
	f.poller.params.BaseInterval = 5 * time.Minute
	f.poller.params.MaxInterval = 15 * time.Minute

	f.authority.failures = 3
	f.authority.markIssued("ca-1")

	req, _ := newRequest(t, "mallory", "qualified")
	req, err := f.poller.Request(ctx, req)
	require.Nil(t, err)

	require.Eventually(t, func() bool {
		return !f.poller.Tracking(req.ID)
	}, 5*time.Second, 5*time.Millisecond)

	issued, err := f.store.Request(ctx, req.ID)
	require.Nil(t, err)
	assert.Equal(t, REQUEST_ISSUED, issued.State)
	assert.Equal(t, []time.Duration{
		5 * time.Minute,
		10 * time.Minute,
		15 * time.Minute,
		15 * time.Minute,
	}, after.recorded())
}

func TestPollerTimesOutAfterDeadline(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	req, _ := createRequest(t, f, "niaj", "qualified")
	f.clock.Advance(DEFAULT_POLL_TIMEOUT)

	timedOut, err := f.poller.PollOnce(ctx, req.ID)
	require.Nil(t, err)
	assert.Equal(t, REQUEST_TIMEOUT, timedOut.State)
	assert.Equal(t, 0, f.authority.polls)
}

func TestPollerStartReattachesOpenRequests(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	after := &recordingAfter{}
	f.poller.params.After = after.After

	req, _ := createRequest(t, f, "olivia", "qualified")
	f.authority.markIssued("ca-1")

	require.Nil(t, f.poller.Start(ctx))
	require.Eventually(t, func() bool {
		current, err := f.store.Request(ctx, req.ID)
		return err == nil && current.State == REQUEST_ISSUED
	}, 5*time.Second, 5*time.Millisecond)

	current, err := f.store.Request(ctx, req.ID)
	require.Nil(t, err)
	assert.Equal(t, "ca-1", current.CARequestID)
}

func TestPollerFailsUnknownRequests(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()

	req, _ := createRequest(t, f, "peggy", "qualified")
	_, err := f.store.UpdateRequestState(ctx, req.ID, RequestUpdate{CARequestID: "unknown-id"})
	require.Nil(t, err)

	failed, err := f.poller.PollOnce(ctx, req.ID)
	require.Nil(t, err)
	assert.Equal(t, REQUEST_FAILED, failed.State)
	assert.NotEmpty(t, failed.Reason)
}

func TestRenewCreatesRequestForSameKey(t *testing.T) {

	f := createFixture(t)
	ctx := context.Background()
	f.poller.params.After = (&recordingAfter{}).After

	req, signer := createRequest(t, f, "rupert", "qualified")
	der := issueFor(t, f, signer, epoch.Add(-time.Hour), epoch.Add(20*24*time.Hour), false)
	cert, err := f.store.StoreCertificate(ctx, req.ID, der)
	require.Nil(t, err)
	assert.Equal(t, CERT_EXPIRING, cert.State)

	renewal, err := f.poller.Renew(ctx, cert.ID)
	require.Nil(t, err)
	assert.Equal(t, cert.ID, renewal.RenewalOf)
	assert.Equal(t, "rupert", renewal.UserID)
	assert.Equal(t, req.Subject, renewal.Subject)
	assert.Equal(t, req.KeyHandle.PEM, renewal.KeyHandle.PEM)
	assert.NotEmpty(t, renewal.CARequestID)
	f.poller.Stop()

	_, err = f.store.MarkRevoked(ctx, cert.ID, "superseded")
	require.Nil(t, err)
	_, err = f.store.Renew(ctx, cert.ID)
	assert.ErrorIs(t, err, ErrCertRevoked)
}
