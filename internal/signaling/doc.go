// Package signaling serves the offer/answer exchange.
//
// GET on any unclaimed path returns the browser client. POST / takes a JSON
// offer and answers with a JSON answer carrying a single ICE-lite host
// candidate; GET /signal does the same exchange over one WebSocket message.
// Every accepted offer becomes a session that is handed to a Spawner and
// never touched by the handler again.
package signaling
