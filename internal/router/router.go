// Package router decides which connections receive a relayed message.
package router

import (
	"github.com/whisper/relay/internal/chat"
)

// Route returns the connection IDs that must receive msg. present reports
// whether a connection is online and all lists every online connection.
//
// A broadcast reaches every online connection, the sender included. A direct
// message reaches its target, when online, and the sender; the sender appears
// once when it addresses itself. Route never fails: an offline target simply
// leaves the sender as the only recipient.
func Route(msg chat.Message, present func(id string) bool, all []string) []string {
	if msg.Recipient.IsBroadcast() {
		out := make([]string, 0, len(all))
		for _, id := range all {
			if present(id) {
				out = append(out, id)
			}
		}
		return out
	}

	out := make([]string, 0, 2)
	target := msg.Recipient.ID()
	if target != msg.SenderID && present(target) {
		out = append(out, target)
	}
	if present(msg.SenderID) {
		out = append(out, msg.SenderID)
	}
	return out
}

// Audience returns the connections that should see an ephemeral signal such
// as a typing indicator: everyone online except the sender for a broadcast,
// or the online target of a direct signal.
func Audience(senderID string, to chat.Recipient, present func(id string) bool, all []string) []string {
	if to.IsBroadcast() {
		out := make([]string, 0, len(all))
		for _, id := range all {
			if id != senderID && present(id) {
				out = append(out, id)
			}
		}
		return out
	}
	if id := to.ID(); id != senderID && present(id) {
		return []string{id}
	}
	return nil
}
