package broker_test

import (
	"testing"
	"time"

	"github.com/flux-framework/flux-core-go/broker"
)

func TestHeartbeatTicksOnRoot(t *testing.T) {
	cfg := broker.DefaultConfig()
	cfg.Heartbeat.Period = 10 * time.Millisecond
	b := broker.New(0, cfg, nil, nil)
	go b.Run()

	events := make(chan *broker.Message, 4)
	b.OnEvent(func(m *broker.Message) { events <- m })

	var lastEpoch int
	for want := 1; want <= 3; want++ {
		select {
		case ev := <-events:
			if ev.Topic != "heartbeat.epoch" {
				t.Fatalf("Topic = %q, want heartbeat.epoch", ev.Topic)
			}
			epoch, _ := ev.Structured.(map[string]any)["epoch"].(int)
			if epoch <= lastEpoch {
				t.Fatalf("epoch = %d, want > %d (tick %d)", epoch, lastEpoch, want)
			}
			lastEpoch = epoch
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for heartbeat.epoch tick %d", want)
		}
	}
}
