// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package taskqueue_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/malbuch/malbuch/pkg/taskqueue"
)

var _ = Describe("Registry", func() {
	var (
		registry *taskqueue.Registry
		noop     = func(context.Context, json.RawMessage) error { return nil }
	)

	BeforeEach(func() {
		registry = taskqueue.NewRegistry()
	})

	It("should apply the default limits to unset fields", func() {
		Expect(registry.Register(&taskqueue.Actor{Name: "plain", Handler: noop})).To(Succeed())

		actor, ok := registry.Get("plain")
		Expect(ok).To(BeTrue())
		Expect(actor.MaxRetries).To(Equal(taskqueue.DefaultMaxRetries))
		Expect(actor.MinBackoff).To(Equal(taskqueue.DefaultMinBackoff))
		Expect(actor.MaxBackoff).To(Equal(taskqueue.DefaultMaxBackoff))
		Expect(actor.TimeLimit).To(Equal(taskqueue.DefaultTimeLimit))
	})

	It("should keep explicit limits", func() {
		Expect(registry.Register(&taskqueue.Actor{
			Name:       "tuned",
			MaxRetries: 7,
			TimeLimit:  time.Minute,
			Handler:    noop,
		})).To(Succeed())

		actor, _ := registry.Get("tuned")
		Expect(actor.MaxRetries).To(Equal(7))
		Expect(actor.TimeLimit).To(Equal(time.Minute))
	})

	It("should reject unnamed actors, missing handlers and duplicates", func() {
		Expect(registry.Register(&taskqueue.Actor{Handler: noop})).NotTo(Succeed())
		Expect(registry.Register(&taskqueue.Actor{Name: "nohandler"})).NotTo(Succeed())

		Expect(registry.Register(&taskqueue.Actor{Name: "dup", Handler: noop})).To(Succeed())
		Expect(registry.Register(&taskqueue.Actor{Name: "dup", Handler: noop})).NotTo(Succeed())
	})

	It("should list the registered names", func() {
		Expect(registry.Register(&taskqueue.Actor{Name: "a", Handler: noop})).To(Succeed())
		Expect(registry.Register(&taskqueue.Actor{Name: "b", Handler: noop})).To(Succeed())

		Expect(registry.Names()).To(ConsistOf("a", "b"))
	})
})
