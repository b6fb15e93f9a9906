// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/malbuch/malbuch/pkg/apis/core"
	"github.com/malbuch/malbuch/pkg/clients/runpod"
	"github.com/malbuch/malbuch/pkg/clients/shopify"
	"github.com/malbuch/malbuch/pkg/clients/vectorizer"
	"github.com/malbuch/malbuch/pkg/pipeline"
)

var _ = Describe("ParseImageSlots", func() {
	It("should parse the common slot key variants", func() {
		slots := pipeline.ParseImageSlots([]shopify.Property{
			{Name: "Fotka 1", Value: "https://cdn.example.com/a.jpg"},
			{Name: "Fotka-2", Value: "https://cdn.example.com/b.jpg"},
			{Name: "Fotka (1)-3", Value: "http://cdn.example.com/c.jpg"},
		})

		Expect(slots).To(Equal([]pipeline.ImageSlot{
			{Position: 1, URL: "https://cdn.example.com/a.jpg"},
			{Position: 2, URL: "https://cdn.example.com/b.jpg"},
			{Position: 3, URL: "http://cdn.example.com/c.jpg"},
		}))
	})

	It("should ignore properties that are not photo slots", func() {
		slots := pipeline.ParseImageSlots([]shopify.Property{
			{Name: "Jméno", Value: "Anička"},
			{Name: "Fotka 1", Value: "https://cdn.example.com/a.jpg"},
			{Name: "_internal", Value: "https://cdn.example.com/hidden.jpg"},
		})

		Expect(slots).To(HaveLen(1))
		Expect(slots[0].Position).To(Equal(1))
	})

	It("should ignore slots whose value is not an HTTP URL", func() {
		slots := pipeline.ParseImageSlots([]shopify.Property{
			{Name: "Fotka 1", Value: "Nahrajte fotku zde"},
			{Name: "Fotka 2", Value: ""},
			{Name: "Fotka 3", Value: "ftp://cdn.example.com/a.jpg"},
		})

		Expect(slots).To(BeEmpty())
	})

	It("should trim whitespace around the URL", func() {
		slots := pipeline.ParseImageSlots([]shopify.Property{
			{Name: "Fotka 1", Value: "  https://cdn.example.com/a.jpg "},
		})

		Expect(slots).To(HaveLen(1))
		Expect(slots[0].URL).To(Equal("https://cdn.example.com/a.jpg"))
	})

	It("should return nothing for an empty property bag", func() {
		Expect(pipeline.ParseImageSlots(nil)).To(BeEmpty())
	})
})

var _ = Describe("ProgressStatus", func() {
	DescribeTable("mapping job states to record statuses",
		func(jobStatus runpod.JobStatusValue, expected core.ColoringStatus, mirrored bool) {
			status, ok := pipeline.ProgressStatus(jobStatus)
			Expect(ok).To(Equal(mirrored))
			Expect(status).To(Equal(expected))
		},

		Entry("queued", runpod.JobInQueue, core.ColoringStatusRunpodQueued, true),
		Entry("in progress", runpod.JobInProgress, core.ColoringStatusRunpodProcessing, true),
		Entry("completed is not mirrored", runpod.JobCompleted, core.ColoringStatus(""), false),
		Entry("failed is not mirrored", runpod.JobFailed, core.ColoringStatus(""), false),
		Entry("cancelled is not mirrored", runpod.JobCancelled, core.ColoringStatus(""), false),
	)
})

var _ = Describe("Throws predicates", func() {
	It("should dead-letter coloring tasks for images without a download", func() {
		err := fmt.Errorf("building input: %w", core.ErrImageNotDownloaded)
		Expect(pipeline.ColoringThrows(err)).To(BeTrue())
	})

	It("should retry coloring tasks on other errors", func() {
		Expect(pipeline.ColoringThrows(errors.New("endpoint down"))).To(BeFalse())
	})

	It("should dead-letter vectorize tasks on a permanent input rejection", func() {
		err := fmt.Errorf("vectorizing: %w", &vectorizer.BadRequestError{Detail: "image too small"})
		Expect(pipeline.VectorizeThrows(err)).To(BeTrue())
	})

	It("should dead-letter vectorize tasks without a completed coloring", func() {
		Expect(pipeline.VectorizeThrows(core.ErrNoColoringAvailable)).To(BeTrue())
	})

	It("should retry vectorize tasks on transient errors", func() {
		Expect(pipeline.VectorizeThrows(errors.New("status 502"))).To(BeFalse())
	})
})

var _ = Describe("Handler decoding", func() {
	It("should decode the payload and call the service", func() {
		var got pipeline.OrderArgs
		handler := pipeline.DecodeOrderArgs(func(_ context.Context, args pipeline.OrderArgs) error {
			got = args
			return nil
		})

		err := handler(context.Background(), json.RawMessage(`{"order_id": 42, "is_recovery": true}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(pipeline.OrderArgs{OrderID: 42, IsRecovery: true}))
	})

	It("should reject malformed payloads without calling the service", func() {
		called := false
		handler := pipeline.DecodeOrderArgs(func(context.Context, pipeline.OrderArgs) error {
			called = true
			return nil
		})

		err := handler(context.Background(), json.RawMessage(`{not json`))
		Expect(err).To(HaveOccurred())
		Expect(called).To(BeFalse())
	})
})
