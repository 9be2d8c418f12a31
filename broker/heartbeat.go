package broker

import (
	"time"

	"github.com/flux-framework/flux-core-go/hk"
)

// defaultHeartbeatPeriod is the epoch tick interval when Config.Heartbeat.Period
// is unset.
const defaultHeartbeatPeriod = 5 * time.Second

// heartbeat implements the session heartbeat half of §2's "Heartbeat &
// shutdown" component: the tree root periodically publishes an
// incrementing-epoch Event, grounded on the original project's own
// session heartbeat generator (hbsrv.c's timeout_cb, which bumps an
// epoch counter and sends it as an "hb" event on a configurable
// period). Every other rank only ever receives and republishes the
// tick through the ordinary Event path (§4.3 step 4); there is no
// separate heartbeat transport.
type heartbeat struct {
	b      *Broker
	period time.Duration
	epoch  int
}

func newHeartbeat(b *Broker, period time.Duration) *heartbeat {
	if period <= 0 {
		period = defaultHeartbeatPeriod
	}
	return &heartbeat{b: b, period: period}
}

// start arms the periodic tick on the shared housekeeper. Only the
// tree root generates ticks (a non-root broker has nothing useful to
// originate: it would just be another hop for the root's own tick).
func (h *heartbeat) start() {
	if h.b.overlay.Parent() != nil {
		return
	}
	h.b.hkeeper.Reg("heartbeat"+hk.NameSuffix, func(time.Time) time.Duration {
		h.tick()
		return h.period
	}, h.period)
}

func (h *heartbeat) tick() {
	h.epoch++
	ev := NewEvent("heartbeat.epoch", Credential{})
	ev.Structured = map[string]any{"epoch": h.epoch}
	h.b.postSubmit(ev)
}
