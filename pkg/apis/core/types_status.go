// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"fmt"
	"sync"
)

// StatusFlags describe the behavioural properties of a processing status.
// They are declared once per status value at package init and drive all
// control-flow decisions in the pipeline services; no status literal is ever
// compared outside this package.
type StatusFlags uint8

const (
	// FlagStartable marks statuses from which a fresh task may begin work.
	FlagStartable StatusFlags = 1 << iota
	// FlagRecoverable marks statuses whose presence in the database on worker
	// boot implies the process was interrupted mid-step.
	FlagRecoverable
	// FlagAwaitingExternal marks statuses in which the record waits on an
	// external service to make progress.
	FlagAwaitingExternal
	// FlagFinal marks terminal statuses.
	FlagFinal
	// FlagRetryable marks terminal statuses the user may retry.
	FlagRetryable
)

// Has reports whether all bits of the given flags are set.
func (f StatusFlags) Has(flags StatusFlags) bool {
	return f&flags == flags
}

// StatusSet is a set of status values of one enum.
type StatusSet[S ~string] map[S]struct{}

// Has reports whether the set contains the given status.
func (s StatusSet[S]) Has(v S) bool {
	_, ok := s[v]
	return ok
}

// Insert adds the given statuses to the set and returns it.
func (s StatusSet[S]) Insert(values ...S) StatusSet[S] {
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// NewStatusSet returns a set containing the given statuses.
func NewStatusSet[S ~string](values ...S) StatusSet[S] {
	return StatusSet[S]{}.Insert(values...)
}

// Union returns a new set containing the statuses of both sets. The receiver
// is not modified.
func (s StatusSet[S]) Union(other StatusSet[S]) StatusSet[S] {
	merged := make(StatusSet[S], len(s)+len(other))
	for v := range s {
		merged[v] = struct{}{}
	}
	for v := range other {
		merged[v] = struct{}{}
	}
	return merged
}

type statusInfo struct {
	flags StatusFlags
	label string
}

// StatusRegistry holds the declarative metadata for all values of one status
// enum. It is populated at package init via register and immutable afterwards.
type StatusRegistry[S ~string] struct {
	name   string
	mu     sync.RWMutex
	sealed bool
	order  []S
	info   map[S]statusInfo
}

func newStatusRegistry[S ~string](name string) *StatusRegistry[S] {
	return &StatusRegistry[S]{name: name, info: map[S]statusInfo{}}
}

// register declares a status value with its flags and human-readable label.
// The flag rules are validated at declaration time:
//
//	Retryable        => Final
//	Final            => !(Recoverable || Startable || AwaitingExternal)
//	AwaitingExternal => Recoverable && !Startable
//
// Violations are programming errors and panic.
func (r *StatusRegistry[S]) register(value S, flags StatusFlags, label string) S {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		panic(fmt.Sprintf("%s: registry is sealed, cannot register %q", r.name, string(value)))
	}
	if _, exists := r.info[value]; exists {
		panic(fmt.Sprintf("%s: status %q registered twice", r.name, string(value)))
	}
	if flags.Has(FlagRetryable) && !flags.Has(FlagFinal) {
		panic(fmt.Sprintf("%s: status %q is Retryable but not Final", r.name, string(value)))
	}
	if flags.Has(FlagFinal) && flags&(FlagRecoverable|FlagStartable|FlagAwaitingExternal) != 0 {
		panic(fmt.Sprintf("%s: final status %q must not be Recoverable, Startable or AwaitingExternal", r.name, string(value)))
	}
	if flags.Has(FlagAwaitingExternal) && (!flags.Has(FlagRecoverable) || flags.Has(FlagStartable)) {
		panic(fmt.Sprintf("%s: status %q awaits an external service and must be Recoverable and not Startable", r.name, string(value)))
	}

	r.order = append(r.order, value)
	r.info[value] = statusInfo{flags: flags, label: label}
	return value
}

func (r *StatusRegistry[S]) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Known reports whether the given value was declared.
func (r *StatusRegistry[S]) Known(value S) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.info[value]
	return ok
}

// Flags returns the declared flags of the given status. Unknown statuses have
// no flags.
func (r *StatusRegistry[S]) Flags(value S) StatusFlags {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info[value].flags
}

// Label returns the human-readable label of the given status.
func (r *StatusRegistry[S]) Label(value S) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if info, ok := r.info[value]; ok {
		return info.label
	}
	return string(value)
}

// All returns all declared statuses in declaration order.
func (r *StatusRegistry[S]) All() []S {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]S, len(r.order))
	copy(out, r.order)
	return out
}

func (r *StatusRegistry[S]) withFlags(flags StatusFlags) StatusSet[S] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := StatusSet[S]{}
	for _, v := range r.order {
		if r.info[v].flags.Has(flags) {
			set.Insert(v)
		}
	}
	return set
}

// Startable returns the statuses from which a fresh task may begin work.
func (r *StatusRegistry[S]) Startable() StatusSet[S] { return r.withFlags(FlagStartable) }

// Intermediate returns the recoverable (in-flight) statuses.
func (r *StatusRegistry[S]) Intermediate() StatusSet[S] { return r.withFlags(FlagRecoverable) }

// AwaitingExternal returns the statuses in which the record waits on an
// external service.
func (r *StatusRegistry[S]) AwaitingExternal() StatusSet[S] { return r.withFlags(FlagAwaitingExternal) }

// Final returns the terminal statuses.
func (r *StatusRegistry[S]) Final() StatusSet[S] { return r.withFlags(FlagFinal) }

// Retryable returns the terminal statuses the user may retry.
func (r *StatusRegistry[S]) Retryable() StatusSet[S] { return r.withFlags(FlagRetryable) }

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

// ColoringStatus is the lifecycle status of a coloring version.
type ColoringStatus string

// SvgStatus is the lifecycle status of an SVG version.
type SvgStatus string

// OrderStatuses holds the declarative metadata for all OrderStatus values.
var OrderStatuses = newStatusRegistry[OrderStatus]("OrderStatus")

const (
	// OrderStatusPending means the order was recorded but not ingested yet.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing means ingest is writing line items and images.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusDownloading means customer photos are being fetched.
	OrderStatusDownloading OrderStatus = "downloading"
	// OrderStatusReadyForReview means all photos are stored and the order can
	// be worked on.
	OrderStatusReadyForReview OrderStatus = "ready_for_review"
	// OrderStatusError means ingest or download failed.
	OrderStatusError OrderStatus = "error"
)

const (
	// ColoringStatusPending is the initial status of a new coloring version.
	ColoringStatusPending ColoringStatus = "pending"
	// ColoringStatusQueued means a generation task has been enqueued.
	ColoringStatusQueued ColoringStatus = "queued"
	// ColoringStatusProcessing means a worker claimed the version.
	ColoringStatusProcessing ColoringStatus = "processing"
	// ColoringStatusRunpodSubmitting means the submission request is being built.
	ColoringStatusRunpodSubmitting ColoringStatus = "runpod_submitting"
	// ColoringStatusRunpodSubmitted means the job was accepted by RunPod.
	ColoringStatusRunpodSubmitted ColoringStatus = "runpod_submitted"
	// ColoringStatusRunpodQueued means RunPod queued the job.
	ColoringStatusRunpodQueued ColoringStatus = "runpod_queued"
	// ColoringStatusRunpodProcessing means RunPod is generating the image.
	ColoringStatusRunpodProcessing ColoringStatus = "runpod_processing"
	// ColoringStatusRunpodCompleted means RunPod finished and output is available.
	ColoringStatusRunpodCompleted ColoringStatus = "runpod_completed"
	// ColoringStatusStorageUpload means the result is being written to object storage.
	ColoringStatusStorageUpload ColoringStatus = "storage_upload"
	// ColoringStatusCompleted is the happy terminal status.
	ColoringStatusCompleted ColoringStatus = "completed"
	// ColoringStatusError is the terminal failure status; the user may retry.
	ColoringStatusError ColoringStatus = "error"
	// ColoringStatusRunpodCancelled means the RunPod job was cancelled externally.
	ColoringStatusRunpodCancelled ColoringStatus = "runpod_cancelled"
)

const (
	// SvgStatusPending is the initial status of a new SVG version.
	SvgStatusPending SvgStatus = "pending"
	// SvgStatusQueued means a vectorization task has been enqueued.
	SvgStatusQueued SvgStatus = "queued"
	// SvgStatusProcessing means a worker claimed the version.
	SvgStatusProcessing SvgStatus = "processing"
	// SvgStatusVectorizerProcessing means the vectorizer call is in flight.
	SvgStatusVectorizerProcessing SvgStatus = "vectorizer_processing"
	// SvgStatusVectorizerCompleted means the vectorizer returned a document.
	SvgStatusVectorizerCompleted SvgStatus = "vectorizer_completed"
	// SvgStatusStorageUpload means the result is being written to object storage.
	SvgStatusStorageUpload SvgStatus = "storage_upload"
	// SvgStatusCompleted is the happy terminal status.
	SvgStatusCompleted SvgStatus = "completed"
	// SvgStatusError is the terminal failure status; the user may retry.
	SvgStatusError SvgStatus = "error"
)

// ColoringStatuses holds the declarative metadata for all ColoringStatus values.
var ColoringStatuses = newStatusRegistry[ColoringStatus]("ColoringStatus")

// SvgStatuses holds the declarative metadata for all SvgStatus values.
var SvgStatuses = newStatusRegistry[SvgStatus]("SvgStatus")

func init() {
	OrderStatuses.register(OrderStatusPending, FlagStartable, "Pending")
	OrderStatuses.register(OrderStatusProcessing, FlagStartable|FlagRecoverable, "Processing")
	OrderStatuses.register(OrderStatusDownloading, FlagRecoverable, "Downloading")
	OrderStatuses.register(OrderStatusReadyForReview, FlagFinal, "Ready for review")
	OrderStatuses.register(OrderStatusError, FlagFinal|FlagRetryable, "Error")
	OrderStatuses.seal()

	ColoringStatuses.register(ColoringStatusPending, FlagStartable, "Pending")
	ColoringStatuses.register(ColoringStatusQueued, FlagStartable, "Queued")
	ColoringStatuses.register(ColoringStatusProcessing, FlagRecoverable, "Processing")
	ColoringStatuses.register(ColoringStatusRunpodSubmitting, FlagRecoverable, "Submitting to RunPod")
	ColoringStatuses.register(ColoringStatusRunpodSubmitted, FlagRecoverable|FlagAwaitingExternal, "Submitted to RunPod")
	ColoringStatuses.register(ColoringStatusRunpodQueued, FlagRecoverable|FlagAwaitingExternal, "Queued on RunPod")
	ColoringStatuses.register(ColoringStatusRunpodProcessing, FlagRecoverable|FlagAwaitingExternal, "Generating")
	ColoringStatuses.register(ColoringStatusRunpodCompleted, FlagRecoverable, "Generated")
	ColoringStatuses.register(ColoringStatusStorageUpload, FlagRecoverable, "Uploading to storage")
	ColoringStatuses.register(ColoringStatusCompleted, FlagFinal, "Completed")
	ColoringStatuses.register(ColoringStatusError, FlagFinal|FlagRetryable, "Error")
	ColoringStatuses.register(ColoringStatusRunpodCancelled, FlagFinal, "Cancelled on RunPod")
	ColoringStatuses.seal()

	SvgStatuses.register(SvgStatusPending, FlagStartable, "Pending")
	SvgStatuses.register(SvgStatusQueued, FlagStartable, "Queued")
	SvgStatuses.register(SvgStatusProcessing, FlagRecoverable, "Processing")
	SvgStatuses.register(SvgStatusVectorizerProcessing, FlagRecoverable|FlagAwaitingExternal, "Vectorizing")
	SvgStatuses.register(SvgStatusVectorizerCompleted, FlagRecoverable, "Vectorized")
	SvgStatuses.register(SvgStatusStorageUpload, FlagRecoverable, "Uploading to storage")
	SvgStatuses.register(SvgStatusCompleted, FlagFinal, "Completed")
	SvgStatuses.register(SvgStatusError, FlagFinal|FlagRetryable, "Error")
	SvgStatuses.seal()
}

// IsFinal reports whether the status is terminal.
func (s OrderStatus) IsFinal() bool { return OrderStatuses.Flags(s).Has(FlagFinal) }

// IsFinal reports whether the status is terminal.
func (s ColoringStatus) IsFinal() bool { return ColoringStatuses.Flags(s).Has(FlagFinal) }

// IsFinal reports whether the status is terminal.
func (s SvgStatus) IsFinal() bool { return SvgStatuses.Flags(s).Has(FlagFinal) }
