package reddust

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest playback and streaming state.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state any
}

// NewClientUpdate packages a tag and payload for the status publisher. The
// presentation layer subscribes by tag; it never reaches into the core.
func NewClientUpdate(tag string, state any) ClientUpdate {
	return ClientUpdate{tag: tag, state: state}
}

// Update tags published on the status port.
const (
	TagState      = "STATE"      // playback state machine transitions
	TagPlayhead   = "PLAYHEAD"   // playhead position, every UI tick
	TagScaling    = "SCALING"    // percentile bounds changed
	TagChannel    = "CHANNEL"    // active channel changed
	TagSinkStream = "SINKSTREAM" // per-sink streaming enabled/disabled
	TagValue      = "VALUE"      // per-sink normalized value, every output tick
	TagConnection = "CONNECTION" // serial connection state changed
	TagStatus     = "STATUS"     // full server status
	TagSendAll    = "SENDALL"    // client requested a full rebroadcast
)

// PlayheadPosition is the payload for TagPlayhead updates.
type PlayheadPosition struct {
	Timestamp string `json:"timestamp"`
}

// StateUpdate is the payload for TagState updates.
type StateUpdate struct {
	State string  `json:"state"`
	Speed float64 `json:"speed"`
}

// SinkStreamUpdate is the payload for TagSinkStream updates.
type SinkStreamUpdate struct {
	Name      string `json:"name"`
	Streaming bool   `json:"streaming"`
}

// SinkValueUpdate is the payload for TagValue updates. The value is the
// normalized [0,1] value, not the remapped one, so observers can apply their
// own remap parameters.
type SinkValueUpdate struct {
	Name       string  `json:"name"`
	Normalized float64 `json:"normalized"`
	Timestamp  string  `json:"timestamp"`
}

// ConnectionUpdate is the payload for TagConnection updates.
type ConnectionUpdate struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// publish offers an update to the status channel without blocking. Tick
// handlers run on a strict budget, so a full channel drops the update and
// notes the drop rather than stalling the senders.
func publish(updates chan<- ClientUpdate, tag string, state any) {
	if updates == nil {
		return
	}
	select {
	case updates <- ClientUpdate{tag: tag, state: state}:
	default:
		ProblemLogger.Printf("status channel full; dropped %s update", tag)
	}
}

// RunClientUpdater forwards any message from its input channel to a ZMQ PUB
// socket, as two frames: the tag, then the JSON-encoded payload. It
// terminates when the abort channel closes.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status PUB socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err := pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind status PUB socket to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not encode %s update: %v", update.tag, err)
				continue
			}
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("could not publish %s update: %v", update.tag, err)
				continue
			}
			// Playhead and value frames arrive at the output rate; logging
			// them would swamp the update log.
			if update.tag != TagPlayhead && update.tag != TagValue {
				UpdateLogger.Printf("%s %s", update.tag, message)
			}
		}
	}
}
