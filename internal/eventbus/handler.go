package eventbus

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/buildorch/internal/admission"
	"git.home.luguber.info/inful/buildorch/internal/build"
	"git.home.luguber.info/inful/buildorch/internal/logfields"
	"git.home.luguber.info/inful/buildorch/internal/metrics"
	"git.home.luguber.info/inful/buildorch/internal/retry"
)

// Delivery is one message as seen by the handler, independent of transport.
type Delivery struct {
	Subject      string
	Data         []byte
	NumDelivered uint64
}

// Action tells the transport what to do with a delivery.
type Action int

const (
	// Ack removes the message from the stream.
	Ack Action = iota
	// Nak asks for redelivery after Delay.
	Nak
)

func (a Action) String() string {
	if a == Nak {
		return "nak"
	}
	return "ack"
}

// Disposition is the handler's verdict on a delivery.
type Disposition struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// Admitter takes ownership of a valid request.
type Admitter interface {
	TryAdmit(ctx context.Context, req build.Request) (admission.Decision, error)
}

// Handler turns deliveries into admission calls. It never waits for a slot.
type Handler struct {
	admitter Admitter
	backoff  retry.Policy
	recorder metrics.Recorder
	logger   *slog.Logger
}

// NewHandler creates a handler. backoff supplies NAK delays keyed by delivery count.
func NewHandler(admitter Admitter, backoff retry.Policy, recorder metrics.Recorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{admitter: admitter, backoff: backoff, recorder: metrics.OrNoop(recorder), logger: logger}
}

// Handle decides the fate of one delivery. Malformed payloads are acked and
// dropped: redelivering them can never succeed. Admission errors are nak'ed
// so the broker redelivers once the store is reachable again.
func (h *Handler) Handle(ctx context.Context, d Delivery) Disposition {
	req, err := build.DecodeRequest(d.Data)
	if err != nil {
		h.recorder.IncPoisonMessage()
		h.logger.Error("Dropping malformed build request",
			logfields.Subject(d.Subject),
			slog.Int("bytes", len(d.Data)),
			logfields.Error(err))
		return Disposition{Action: Ack, Reason: "malformed"}
	}

	decision, err := h.admitter.TryAdmit(ctx, req)
	if err != nil {
		delay := h.backoff.Delay(int(d.NumDelivered))
		h.logger.Warn("Admission failed; requesting redelivery",
			logfields.BuildID(req.BuildID),
			logfields.Attempt(int(d.NumDelivered)),
			slog.Duration("delay", delay),
			logfields.Error(err))
		return Disposition{Action: Nak, Delay: delay, Reason: "admission error"}
	}
	return Disposition{Action: Ack, Reason: string(decision)}
}
