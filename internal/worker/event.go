// Package worker consumes page change events from Kafka and keeps the
// page_vectors table and the retrieval index in step with the pages
// table. Delivery is at-least-once: an offset is committed only after
// the event's effects are durable, and the vector upsert is idempotent
// so replays are harmless.
package worker

import (
	"encoding/json"
	"fmt"

	ragerr "github.com/gibsey/memory-rag/internal/errors"
)

// Operations in the change-event envelope.
const (
	OpCreate   = "c"
	OpUpdate   = "u"
	OpDelete   = "d"
	OpSnapshot = "r"
)

// Event is one decoded page change.
type Event struct {
	Op     string
	PageID string
	Body   string
}

// row is the page image carried inside an envelope.
type row struct {
	PageID string `json:"page_id"`
	Body   string `json:"body"`
}

// envelope is the Debezium payload. Connectors can be configured with
// or without the schema wrapper, so both shapes are accepted.
type envelope struct {
	Op     string `json:"op"`
	After  *row   `json:"after"`
	Before *row   `json:"before"`
}

type wrapped struct {
	Payload *envelope `json:"payload"`
}

// DecodeEvent parses a change-event value into an Event. Tombstone
// values (nil) decode to a delete with no page id and are skipped by
// the caller.
func DecodeEvent(value []byte) (Event, error) {
	if len(value) == 0 {
		return Event{}, ragerr.New(ragerr.ErrCodeMalformedEvent, "empty event value", nil)
	}

	var env envelope
	var outer wrapped
	if err := json.Unmarshal(value, &outer); err == nil && outer.Payload != nil {
		env = *outer.Payload
	} else if err := json.Unmarshal(value, &env); err != nil {
		return Event{}, ragerr.New(ragerr.ErrCodeMalformedEvent, "decode event envelope", err)
	}

	switch env.Op {
	case OpCreate, OpUpdate, OpSnapshot:
		if env.After == nil || env.After.PageID == "" {
			return Event{}, ragerr.New(ragerr.ErrCodeMalformedEvent,
				fmt.Sprintf("op %q without after image", env.Op), nil)
		}
		return Event{Op: env.Op, PageID: env.After.PageID, Body: env.After.Body}, nil
	case OpDelete:
		id := ""
		if env.Before != nil {
			id = env.Before.PageID
		}
		if id == "" && env.After != nil {
			id = env.After.PageID
		}
		if id == "" {
			return Event{}, ragerr.New(ragerr.ErrCodeMalformedEvent, "delete without page id", nil)
		}
		return Event{Op: OpDelete, PageID: id}, nil
	case "":
		return Event{}, ragerr.New(ragerr.ErrCodeMalformedEvent, "event missing op", nil)
	default:
		return Event{}, ragerr.New(ragerr.ErrCodeMalformedEvent,
			fmt.Sprintf("unknown op %q", env.Op), nil)
	}
}
