// Package session persists user status records in Redis: who holds which
// socket, under what name, and whether that socket is still connected.
package session

// User is the persisted status of one socket.
type User struct {
	SocketID  string `redis:"socket_id"`
	Name      string `redis:"name"`
	Connected bool   `redis:"connected"`
	Server    string `redis:"server"`     // relay instance that owns the socket
	CreatedAt int64  `redis:"created_at"` // unix timestamp
	LastSeen  int64  `redis:"last_seen"`  // unix timestamp
}
