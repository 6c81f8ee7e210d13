package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindTransient(t *testing.T) {
	transient := []Kind{KindTimeout, KindNetwork, KindQuotaExceeded, KindThrottled, KindServiceUnavailable}
	fatal := []Kind{KindUnknown, KindUnauthorized, KindDeviceNotFound, KindMessageTooLarge,
		KindPreconditionFailed, KindProtocol, KindOperationCanceled}

	for _, k := range transient {
		assert.True(t, k.Transient(), k.String())
	}
	for _, k := range fatal {
		assert.False(t, k.Transient(), k.String())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"fault", New(KindThrottled, "slow down"), KindThrottled},
		{"wrapped fault", fmt.Errorf("send: %w", New(KindUnauthorized, "")), KindUnauthorized},
		{"canceled", context.Canceled, KindOperationCanceled},
		{"wrapped canceled", fmt.Errorf("wait: %w", context.Canceled), KindOperationCanceled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestCancellationIsDistinctFromFatal(t *testing.T) {
	err := fmt.Errorf("twin get: %w", context.Canceled)
	assert.True(t, IsCanceled(err))
	assert.False(t, IsTransient(err))
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, KindUnauthorized},
		{404, KindDeviceNotFound},
		{408, KindTimeout},
		{412, KindPreconditionFailed},
		{413, KindMessageTooLarge},
		{429, KindThrottled},
		{400, KindProtocol},
		{500, KindServiceUnavailable},
		{503, KindServiceUnavailable},
		{403002, KindQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := FromStatus(tt.status, "m")
			assert.Equal(t, tt.want, KindOf(err))
			var fe *Error
			if assert.ErrorAs(t, err, &fe) {
				assert.Equal(t, tt.status, fe.Code)
			}
		})
	}

	assert.NoError(t, FromStatus(200, ""))
	assert.NoError(t, FromStatus(204, ""))
}

func TestErrorIsByKind(t *testing.T) {
	err := fmt.Errorf("op: %w", &Error{Kind: KindThrottled, Code: 429, TrackingID: "t-1"})
	assert.ErrorIs(t, err, New(KindThrottled, ""))
	assert.NotErrorIs(t, err, New(KindTimeout, ""))
	assert.Contains(t, err.Error(), "t-1")
}
