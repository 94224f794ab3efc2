package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	JobRequestKindMin = 5000
	JobRequestKindMax = 5999
	JobResultOffset   = 1000
	JobFeedbackKind   = 7000
)

type JobStatus string

const (
	JobStatusSuccess         JobStatus = "success"
	JobStatusError           JobStatus = "error"
	JobStatusPaymentRequired JobStatus = "payment-required"
	JobStatusProcessing      JobStatus = "processing"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusSuccess, JobStatusError, JobStatusPaymentRequired, JobStatusProcessing:
		return true
	}
	return false
}

// JobState tracks one outstanding request: Issued -> Polling -> Resolved | TimedOut.
type JobState string

const (
	JobStateIssued    JobState = "issued"
	JobStatePolling   JobState = "polling"
	JobStateResolved  JobState = "resolved"
	JobStateTimedOut  JobState = "timed_out"
	JobStateAbandoned JobState = "abandoned"
)

type (
	JobInput struct {
		Data   string `json:"data"`
		Type   string `json:"type"`
		Relay  string `json:"relay,omitempty"`
		Marker string `json:"marker,omitempty"`
	}

	JobParam struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}

	// JobRequestParams is the logical form of a job request before it is
	// turned into a message. A non-empty Recipient encrypts Inputs and Params.
	JobRequestParams struct {
		Kind        int
		Inputs      []JobInput
		Params      []JobParam
		OutputMIME  string
		Bid         int64
		Recipient   string
		Description string
		RelayHints  []string
	}

	JobResult struct {
		RequestID  string
		ResultID   string
		Kind       int
		Author     string
		Status     JobStatus
		StatusInfo string
		Content    string
		Amount     int64
		Bolt11     string
		CreatedAt  time.Time
	}

	// EphemeralIdentity is the single-use keypair behind one request.
	EphemeralIdentity struct {
		SecretKey   string    `json:"secret_key"`
		PublicKey   string    `json:"public_key"`
		RequestID   string    `json:"request_id,omitempty"`
		RequestKind int       `json:"request_kind,omitempty"`
		Recipient   string    `json:"recipient,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
	}

	JobRecord struct {
		ID         primitive.ObjectID `bson:"_id,omitempty"`
		RequestID  string             `bson:"request_id"`
		Kind       int                `bson:"kind"`
		Requester  string             `bson:"requester"`
		Recipient  string             `bson:"recipient,omitempty"`
		State      JobState           `bson:"state"`
		Status     JobStatus          `bson:"status,omitempty"`
		ResultID   string             `bson:"result_id,omitempty"`
		Content    string             `bson:"content,omitempty"`
		Amount     int64              `bson:"amount,omitempty"`
		CreatedAt  time.Time          `bson:"created_at"`
		UpdatedAt  time.Time          `bson:"updated_at"`
		ResolvedAt *time.Time         `bson:"resolved_at,omitempty"`
	}
)

// ResultKind is the result kind paired with a request kind.
func ResultKind(requestKind int) int {
	return requestKind + JobResultOffset
}

func IsJobRequestKind(kind int) bool {
	return kind >= JobRequestKindMin && kind <= JobRequestKindMax
}
