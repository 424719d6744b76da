package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
)

// Disposition classifies a send attempt. Workers map it directly to a
// store transition.
type Disposition int

const (
	// DispositionSent means the server accepted the message.
	DispositionSent Disposition = iota
	// DispositionRetryable means the attempt failed but a later retry may
	// succeed (4xx, network, timeout).
	DispositionRetryable
	// DispositionPermanent means retrying cannot help (5xx addressing,
	// auth rejection, oversized message).
	DispositionPermanent
)

func (d Disposition) String() string {
	switch d {
	case DispositionSent:
		return "sent"
	case DispositionRetryable:
		return "retryable"
	case DispositionPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Disposition Disposition
	Code        int    // SMTP reply code when available
	Reason      string // empty on success
}

// classify maps an error from the SMTP exchange to an outcome.
// nil → Sent. Protocol replies carry their code: 4xx is retryable, 5xx is
// permanent. Everything network-shaped (timeout, refused, DNS) retries.
func classify(err error) Outcome {
	if err == nil {
		return Outcome{Disposition: DispositionSent}
	}

	var proto *textproto.Error
	if errors.As(err, &proto) {
		disp := DispositionRetryable
		if proto.Code >= 500 {
			disp = DispositionPermanent
		}
		return Outcome{
			Disposition: disp,
			Code:        proto.Code,
			Reason:      fmt.Sprintf("%d %s", proto.Code, proto.Msg),
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Disposition: DispositionRetryable, Reason: "send timeout: " + err.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Outcome{Disposition: DispositionRetryable, Reason: "network: " + err.Error()}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Outcome{Disposition: DispositionRetryable, Reason: "dns: " + err.Error()}
	}

	// Auth failures surface as plain errors from the AUTH exchange.
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "auth") {
		return Outcome{Disposition: DispositionPermanent, Reason: msg}
	}

	return Outcome{Disposition: DispositionRetryable, Reason: msg}
}
