/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"sync/atomic"
	"time"

	"github.com/flux-framework/flux-core-go/hk"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	It("invokes a registered callback and reschedules it", func() {
		var n int32
		hk.Reg("periodic"+hk.NameSuffix, func(time.Time) time.Duration {
			atomic.AddInt32(&n, 1)
			return time.Millisecond
		}, time.Millisecond)

		Eventually(func() int32 { return atomic.LoadInt32(&n) }, 2*time.Second, 10*time.Millisecond).
			Should(BeNumerically(">=", 2))
	})

	It("stops rescheduling once the callback unregisters itself", func() {
		var n int32
		hk.Reg("one-shot"+hk.NameSuffix, func(time.Time) time.Duration {
			atomic.AddInt32(&n, 1)
			return 0
		}, time.Millisecond)

		Eventually(func() int32 { return atomic.LoadInt32(&n) }, time.Second, 10*time.Millisecond).
			Should(Equal(int32(1)))
		Consistently(func() int32 { return atomic.LoadInt32(&n) }, 50*time.Millisecond, 10*time.Millisecond).
			Should(Equal(int32(1)))
	})

	It("honors Unreg", func() {
		var n int32
		name := "unreg-me" + hk.NameSuffix
		hk.Reg(name, func(time.Time) time.Duration {
			atomic.AddInt32(&n, 1)
			return time.Millisecond
		}, time.Millisecond)
		Eventually(func() int32 { return atomic.LoadInt32(&n) }, time.Second, 10*time.Millisecond).
			Should(BeNumerically(">=", 1))

		hk.Unreg(name)
		time.Sleep(20 * time.Millisecond)
		seen := atomic.LoadInt32(&n)
		Consistently(func() int32 { return atomic.LoadInt32(&n) }, 50*time.Millisecond, 10*time.Millisecond).
			Should(Equal(seen))
	})
})
