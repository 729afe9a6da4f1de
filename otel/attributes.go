package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	AttrFetcherID        = attribute.Key("fetcher.id")
	AttrFetchStatus      = attribute.Key("fetcher.fetch.status")
	AttrAckStatus        = attribute.Key("fetcher.acknowledgment.status")
	AttrStartReason      = attribute.Key("fetcher.start.reason")
	AttrProcessStatus    = attribute.Key("fetcher.reader.process.status")
	AttrErrorDecision    = attribute.Key("fetcher.reader.error_decision")
	AttrCheckpointStatus = attribute.Key("fetcher.reader.checkpoint.status")
)

// Status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Start reason values
const (
	StartReasonAssign      = "assign"
	StartReasonAcknowledge = "acknowledge"
)
