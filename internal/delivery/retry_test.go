package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(d time.Duration) {
	r.waits = append(r.waits, d)
}

func testPolicy(rec *sleepRecorder) RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Second, Sleep: rec.sleep}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(0))
}

func TestRetryPolicy_Do(t *testing.T) {
	transient := &TransientError{StatusCode: 503}

	tests := []struct {
		name         string
		results      []error
		wantAttempts int
		wantErr      bool
		wantWaits    []time.Duration
	}{
		{
			name:         "first attempt succeeds",
			results:      []error{nil},
			wantAttempts: 1,
		},
		{
			name:         "retry then succeed",
			results:      []error{transient, transient, nil},
			wantAttempts: 3,
			wantWaits:    []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:         "exhausted without trailing sleep",
			results:      []error{transient, transient, transient},
			wantAttempts: 3,
			wantErr:      true,
			wantWaits:    []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:         "auth fails fast",
			results:      []error{&AuthError{StatusCode: 401}},
			wantAttempts: 1,
			wantErr:      true,
		},
		{
			name:         "permanent fails fast after a transient",
			results:      []error{transient, &PermanentError{StatusCode: 422}},
			wantAttempts: 2,
			wantErr:      true,
			wantWaits:    []time.Duration{time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &sleepRecorder{}
			calls := 0
			attempts, err := testPolicy(rec).Do(context.Background(), func(ctx context.Context, attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				return tt.results[attempt-1]
			})

			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantAttempts, calls)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.wantWaits, rec.waits)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   interface{}
	}{
		{200, nil},
		{204, nil},
		{401, &AuthError{}},
		{403, &AuthError{}},
		{400, &PermanentError{}},
		{404, &PermanentError{}},
		{409, &PermanentError{}},
		{408, &TransientError{}},
		{429, &TransientError{}},
		{500, &TransientError{}},
		{503, &TransientError{}},
	}

	for _, tt := range tests {
		err := classifyStatus(tt.status, []byte("body"))
		if tt.want == nil {
			assert.NoError(t, err, "status %d", tt.status)
			continue
		}
		assert.IsType(t, tt.want, err, "status %d", tt.status)
	}
}

func TestErrorCodeMapping(t *testing.T) {
	assert.Equal(t, "INVALID_DESTINATION", string(errorCode(&ValidationError{Err: errors.New("x")})))
	assert.Equal(t, "AUTH_FAILED", string(errorCode(&AuthError{StatusCode: 401})))
	assert.Equal(t, "DESTINATION_REJECTED", string(errorCode(&PermanentError{StatusCode: 400})))
	assert.Equal(t, "DELIVERY_FAILED", string(errorCode(&TransientError{StatusCode: 500})))
	assert.True(t, IsTransient(&TransientError{Err: errors.New("connection reset")}))
	assert.False(t, IsTransient(&AuthError{}))
}

func TestErrorMessagesTruncateBody(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	err := classifyStatus(400, long)
	assert.Less(t, len(err.Error()), 300)
}
