// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package runpod_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/malbuch/malbuch/pkg/clients/runpod"
)

var _ = Describe("Client", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should submit a job and return its ID", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Method).To(Equal(http.MethodPost))
			Expect(r.URL.Path).To(Equal("/run"))
			Expect(r.Header.Get("Authorization")).To(Equal("Bearer rp_test"))

			var payload struct {
				Input runpod.SubmitInput `json:"input"`
			}
			Expect(json.NewDecoder(r.Body).Decode(&payload)).To(Succeed())
			Expect(payload.Input.Megapixels).To(Equal(1.0))
			Expect(payload.Input.Steps).To(Equal(30))

			_, _ = w.Write([]byte(`{"id": "job-1", "status": "IN_QUEUE"}`))
		}))
		defer server.Close()

		client := runpod.NewWithEndpoint(logr.Discard(), server.URL, "rp_test")
		jobID, err := client.Submit(ctx, runpod.SubmitInput{ImageBase64: "aGk=", Megapixels: 1.0, Steps: 30})
		Expect(err).NotTo(HaveOccurred())
		Expect(jobID).To(Equal("job-1"))
	})

	It("should poll job status", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/status/job-1"))
			_, _ = w.Write([]byte(`{"id": "job-1", "status": "COMPLETED", "output": {"image_base64": "cG5n"}}`))
		}))
		defer server.Close()

		client := runpod.NewWithEndpoint(logr.Discard(), server.URL, "rp_test")
		status, err := client.Status(ctx, "job-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Status).To(Equal(runpod.JobCompleted))
		Expect(status.Status.InFlight()).To(BeFalse())
		Expect(status.Output.ImageBase64).To(Equal("cG5n"))
	})

	It("should fail on a missing job ID in the submit response", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status": "IN_QUEUE"}`))
		}))
		defer server.Close()

		client := runpod.NewWithEndpoint(logr.Discard(), server.URL, "rp_test")
		_, err := client.Submit(ctx, runpod.SubmitInput{})
		Expect(err).To(MatchError(ContainSubstring("no job ID")))
	})

	It("should surface endpoint errors", func() {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "worker pool exhausted", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := runpod.NewWithEndpoint(logr.Discard(), server.URL, "rp_test")
		_, err := client.Status(ctx, "job-1")
		Expect(err).To(MatchError(ContainSubstring("unexpected status 503")))
	})

	DescribeTable("InFlight",
		func(status runpod.JobStatusValue, expected bool) {
			Expect(status.InFlight()).To(Equal(expected))
		},

		Entry("queued", runpod.JobInQueue, true),
		Entry("in progress", runpod.JobInProgress, true),
		Entry("completed", runpod.JobCompleted, false),
		Entry("failed", runpod.JobFailed, false),
		Entry("cancelled", runpod.JobCancelled, false),
		Entry("timed out", runpod.JobTimedOut, false),
	)
})
