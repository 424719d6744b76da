package sender

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNilIsSent(t *testing.T) {
	out := classify(nil)
	assert.Equal(t, DispositionSent, out.Disposition)
	assert.Empty(t, out.Reason)
}

func TestClassifyProtocolCodes(t *testing.T) {
	cases := []struct {
		code int
		want Disposition
	}{
		{421, DispositionRetryable},
		{450, DispositionRetryable},
		{451, DispositionRetryable},
		{452, DispositionRetryable},
		{500, DispositionPermanent},
		{550, DispositionPermanent},
		{552, DispositionPermanent},
		{554, DispositionPermanent},
	}
	for _, tc := range cases {
		out := classify(&textproto.Error{Code: tc.code, Msg: "reply"})
		assert.Equal(t, tc.want, out.Disposition, "code %d", tc.code)
		assert.Equal(t, tc.code, out.Code)
		assert.NotEmpty(t, out.Reason)
	}
}

func TestClassifyTimeoutRetries(t *testing.T) {
	out := classify(context.DeadlineExceeded)
	assert.Equal(t, DispositionRetryable, out.Disposition)
}

func TestClassifyNetworkErrorsRetry(t *testing.T) {
	var opErr error = &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	out := classify(opErr)
	assert.Equal(t, DispositionRetryable, out.Disposition)

	out = classify(&net.DNSError{Err: "no such host", Name: "smtp.invalid"})
	assert.Equal(t, DispositionRetryable, out.Disposition)
}

func TestClassifyAuthFailureIsPermanent(t *testing.T) {
	out := classify(errors.New("auth: 535 authentication credentials invalid"))
	assert.Equal(t, DispositionPermanent, out.Disposition)
}

func TestClassifyUnknownErrorRetries(t *testing.T) {
	out := classify(errors.New("connection reset by peer"))
	assert.Equal(t, DispositionRetryable, out.Disposition)
}
