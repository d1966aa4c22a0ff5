// Package transport adapts wire payloads that carry no addressing of
// their own (Setup, Schedule, Restart, FinishSim, Ping,
// FinishLocalElaboration, CheckChangeKeyAck) to clock.Message, so the
// leader and workers can exchange them through the clock abstraction.
// DataInsert is the one wire message that already carries sender/dest
// fields; changekey.Envelope adapts that one directly instead of going
// through here.
package transport

import "github.com/streamsim/dflow/clock"

// Envelope carries an arbitrary wire payload alongside the explicit
// clock addressing the payload itself lacks.
type Envelope struct {
	SenderID    clock.ID
	RecipientID clock.ID
	Payload     interface{}
}

// From implements clock.Message.
func (e Envelope) From() clock.ID { return e.SenderID }

// To implements clock.Message.
func (e Envelope) To() clock.ID { return e.RecipientID }
