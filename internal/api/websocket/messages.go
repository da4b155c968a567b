package websocket

import (
	"time"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/holder"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeSnapshot        MessageType = "snapshot"
	MessageTypeRegisterWritten MessageType = "register_written"
	MessageTypeSubscribed      MessageType = "subscribed"
	MessageTypeError           MessageType = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// SnapshotData carries register values per set prefix ("all" or an inverter name)
type SnapshotData struct {
	Time   time.Time                    `json:"time"`
	Values map[string]map[string]any    `json:"values"`
	Errors map[string]map[string]string `json:"errors,omitempty"`
}

type RegisterWrittenData struct {
	Device   string `json:"device"`
	Register string `json:"register"`
	Value    any    `json:"value"`
}

type SubscribedData struct {
	Devices []string `json:"devices"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewSnapshotMessage(snap holder.Snapshot) Message {
	return NewMessage(MessageTypeSnapshot, SnapshotData{
		Time:   snap.Time,
		Values: snap.Values,
		Errors: snap.Errors,
	})
}

func NewRegisterWrittenMessage(device, register string, value any) Message {
	return NewMessage(MessageTypeRegisterWritten, RegisterWrittenData{
		Device:   device,
		Register: register,
		Value:    value,
	})
}

// filterSnapshot keeps only the subscribed sets; nil keeps everything
func filterSnapshot(msg Message, devices map[string]bool) Message {
	data, ok := msg.Data.(SnapshotData)
	if !ok || devices == nil {
		return msg
	}

	filtered := SnapshotData{
		Time:   data.Time,
		Values: make(map[string]map[string]any, len(devices)),
	}
	for prefix, values := range data.Values {
		if devices[prefix] {
			filtered.Values[prefix] = values
		}
	}
	for prefix, errs := range data.Errors {
		if devices[prefix] {
			if filtered.Errors == nil {
				filtered.Errors = make(map[string]map[string]string)
			}
			filtered.Errors[prefix] = errs
		}
	}

	msg.Data = filtered
	return msg
}
