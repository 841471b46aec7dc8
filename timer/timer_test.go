package timer_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/renproject/tendermint-core/round"
	"github.com/renproject/tendermint-core/timer"
	"github.com/renproject/tendermint-core/types"
)

var _ = Describe("Timer", func() {
	fastOptions := func() timer.Options {
		return timer.Options{
			ProposeBase: 5 * time.Millisecond, ProposeDelta: time.Millisecond,
			PrevoteBase: 5 * time.Millisecond, PrevoteDelta: time.Millisecond,
			PrecommitBase: 5 * time.Millisecond, PrecommitDelta: time.Millisecond,
		}
	}

	It("delivers an Elapsed once the schedule duration has passed", func() {
		tmr, out := timer.New(fastOptions())
		tmr.Schedule(1, 0, round.TimeoutPropose)
		select {
		case e := <-out:
			Expect(e.Round).To(Equal(types.Round(0)))
			Expect(e.Timeout).To(Equal(round.TimeoutPropose))
		case <-time.After(time.Second):
			Fail("timer never elapsed")
		}
	})

	It("cancelling a timer before it elapses suppresses delivery", func() {
		tmr, out := timer.New(timer.Options{ProposeBase: 50 * time.Millisecond})
		tmr.Schedule(1, 0, round.TimeoutPropose)
		tmr.Cancel(0, round.TimeoutPropose)
		select {
		case <-out:
			Fail("cancelled timer should not have elapsed")
		case <-time.After(100 * time.Millisecond):
		}
	})

	It("scheduling the same (round, timeout) twice cancels the prior timer", func() {
		tmr, out := timer.New(timer.Options{ProposeBase: 20 * time.Millisecond})
		tmr.Schedule(1, 0, round.TimeoutPropose)
		tmr.Schedule(1, 0, round.TimeoutPropose)
		select {
		case <-out:
		case <-time.After(time.Second):
			Fail("restarted timer never elapsed")
		}
		select {
		case <-out:
			Fail("only one elapsed event expected from a restarted timer")
		case <-time.After(50 * time.Millisecond):
		}
	})

	It("CancelAll suppresses every outstanding timer", func() {
		tmr, out := timer.New(timer.Options{ProposeBase: 30 * time.Millisecond, PrevoteBase: 30 * time.Millisecond})
		tmr.Schedule(1, 0, round.TimeoutPropose)
		tmr.Schedule(1, 0, round.TimeoutPrevote)
		tmr.CancelAll()
		select {
		case <-out:
			Fail("CancelAll should have suppressed every timer")
		case <-time.After(60 * time.Millisecond):
		}
	})

	It("escalates the duration linearly with round", func() {
		opts := timer.Options{ProposeBase: time.Second, ProposeDelta: 500 * time.Millisecond}
		Expect(opts.Duration(0, round.TimeoutPropose)).To(Equal(time.Second))
		Expect(opts.Duration(1, round.TimeoutPropose)).To(Equal(1500 * time.Millisecond))
		Expect(opts.Duration(3, round.TimeoutPropose)).To(Equal(2500 * time.Millisecond))
	})

	It("WithTimeoutScaling overrides every delta", func() {
		opts := timer.DefaultOptions().WithTimeoutScaling(0)
		Expect(opts.Duration(5, round.TimeoutPropose)).To(Equal(opts.ProposeBase))
		Expect(opts.Duration(5, round.TimeoutPrevote)).To(Equal(opts.PrevoteBase))
		Expect(opts.Duration(5, round.TimeoutPrecommit)).To(Equal(opts.PrecommitBase))
	})
})
