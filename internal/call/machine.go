package call

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"pickcreator-backend/pkg/metrics"
)

const (
	eventStartCall    = "start_call"
	eventReceiveOffer = "receive_offer"
	eventConnect      = "connect"
	eventResync       = "resync"
	eventHangUp       = "hang_up"
	eventReset        = "reset"
)

// newMachine builds the status machine. Callbacks must not call back into
// the machine.
func newMachine(log *zap.Logger) *fsm.FSM {
	idle := string(StatusIdle)
	calling := string(StatusCalling)
	ringing := string(StatusRinging)
	connected := string(StatusConnected)
	ended := string(StatusEnded)

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: eventStartCall, Src: []string{idle}, Dst: calling},
			{Name: eventReceiveOffer, Src: []string{idle}, Dst: ringing},
			{Name: eventConnect, Src: []string{calling, ringing}, Dst: connected},
			{Name: eventResync, Src: []string{calling, ringing}, Dst: connected},
			{Name: eventHangUp, Src: []string{calling, ringing, connected}, Dst: ended},
			{Name: eventReset, Src: []string{ended}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.CallStateTransitionsTotal.WithLabelValues(e.Src, e.Dst).Inc()
				log.Debug("Call state changed",
					zap.String("event", e.Event),
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)
}
