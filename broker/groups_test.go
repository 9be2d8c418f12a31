package broker_test

import (
	"time"

	"github.com/flux-framework/flux-core-go/broker"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Groups", func() {
	var (
		b         *broker.Broker
		responses chan *broker.Message
		matchtag  uint32
	)

	BeforeEach(func() {
		cfg := broker.DefaultConfig()
		cfg.Groups.BatchTimeout = 20 * time.Millisecond
		b = broker.New(0, cfg, nil, nil)
		go b.Run()

		responses = make(chan *broker.Message, 16)
		b.OnLocalResponse(func(_, resp *broker.Message) { responses <- resp })
		matchtag = 0
	})

	submit := func(topic, token string, structured map[string]any) *broker.Message {
		matchtag++
		req := broker.NewRequest(topic, matchtag, broker.Credential{})
		req.ClientToken = token
		req.Structured = structured
		b.Submit(req)
		var resp *broker.Message
		Eventually(responses, time.Second).Should(Receive(&resp))
		return resp
	}

	membersOf := func(name string) []any {
		resp := submit("groups.get", "", map[string]any{"name": name})
		Expect(resp.Err).To(BeNil())
		members, _ := resp.Structured.(map[string]any)["members"].([]any)
		return members
	}

	It("applies a join once the batch window flushes", func() {
		resp := submit("groups.join", "client-a", map[string]any{"name": "sched"})
		Expect(resp.Err).To(BeNil())

		Eventually(func() []any { return membersOf("sched") }, time.Second, 5*time.Millisecond).
			Should(ContainElement(BeNumerically("==", 0)))
	})

	It("rejects a second join from the same client with ALREADY_MEMBER", func() {
		Expect(submit("groups.join", "client-a", map[string]any{"name": "sched"}).Err).To(BeNil())
		resp := submit("groups.join", "client-a", map[string]any{"name": "sched"})
		Expect(resp.Err).NotTo(BeNil())
		Expect(resp.Err.Kind).To(Equal(broker.ErrAlreadyMember))
	})

	It("rejects leave from a client that never joined with NOT_MEMBER", func() {
		resp := submit("groups.leave", "client-z", map[string]any{"name": "sched"})
		Expect(resp.Err).NotTo(BeNil())
		Expect(resp.Err.Kind).To(Equal(broker.ErrNotMember))
	})

	It("removes the rank once the joining client leaves", func() {
		Expect(submit("groups.join", "client-a", map[string]any{"name": "sched"}).Err).To(BeNil())
		Eventually(func() []any { return membersOf("sched") }, time.Second, 5*time.Millisecond).
			Should(ContainElement(BeNumerically("==", 0)))

		Expect(submit("groups.leave", "client-a", map[string]any{"name": "sched"}).Err).To(BeNil())
		Eventually(func() []any { return membersOf("sched") }, time.Second, 5*time.Millisecond).
			Should(BeEmpty())
	})

	It("streams membership updates to a watching groups.get", func() {
		matchtag++
		watch := broker.NewRequest("groups.get", matchtag, broker.Credential{})
		watch.Streaming = true
		watch.Structured = map[string]any{"name": "sched"}
		b.Submit(watch)

		var first *broker.Message
		Eventually(responses, time.Second).Should(Receive(&first))
		Expect(first.Err).To(BeNil())
		Expect(first.Structured.(map[string]any)["members"]).To(BeEmpty())

		Expect(submit("groups.join", "client-a", map[string]any{"name": "sched"}).Err).To(BeNil())

		var update *broker.Message
		Eventually(responses, time.Second).Should(Receive(&update))
		Expect(update.Structured.(map[string]any)["members"]).To(ContainElement(BeNumerically("==", 0)))
	})
})
