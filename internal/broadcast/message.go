// Package broadcast carries change notifications between tabs editing the
// same job. Tabs in one process share a LocalBus; API instances fan out over
// Redis; browsers and remote clients attach through the websocket Hub.
package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"estimator/api/internal/jobdoc"
)

type MessageType string

const (
	ItemsUpdated    MessageType = "ITEMS_UPDATED"
	FilesUpdated    MessageType = "FILES_UPDATED"
	PackagesUpdated MessageType = "PACKAGES_UPDATED"
	JobSaved        MessageType = "JOB_SAVED"
)

// ServerTabID marks messages published by the API itself.
const ServerTabID = "server"

// Message is the envelope every transport carries.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	TabID     string          `json:"tabId"`
}

type FilesPayload struct {
	Files          []jobdoc.FileLink `json:"files"`
	DeletedFileIDs []string          `json:"deletedFileIds,omitempty"`
}

type ItemsPayload struct {
	Items []jobdoc.LineItem `json:"items"`
}

// PackagesPayload carries every per-category map and the contractor
// assignments.
type PackagesPayload struct {
	jobdoc.Sections
}

type SavedPayload struct {
	ID      int64             `json:"id"`
	Version int64             `json:"version"`
	Files   []jobdoc.FileLink `json:"files"`
}

// NewMessage marshals payload into a stamped envelope.
func NewMessage(kind MessageType, tabID string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Message{Type: kind, Payload: raw, Timestamp: time.Now().UTC(), TabID: tabID}, nil
}

// Decode unmarshals the payload into dest.
func (m Message) Decode(dest any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, dest); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// ChannelName is the per-job channel every transport keys on.
func ChannelName(jobID int64) string {
	return fmt.Sprintf("estimator-job-%d", jobID)
}

func (t MessageType) Valid() bool {
	switch t {
	case ItemsUpdated, FilesUpdated, PackagesUpdated, JobSaved:
		return true
	default:
		return false
	}
}
