package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/peerprep/practice-server/internal/metrics"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string     // connection ID (UUID), used to address signaling
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	LastPing   time.Time  // last heartbeat received from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	identityMu sync.RWMutex
	roomID     string // set by join_room, cleared on leave
	name       string // display name from the joined profile
}

// SetIdentity records the room and display name a connection joined with.
func (c *Connection) SetIdentity(roomID, name string) {
	c.identityMu.Lock()
	c.roomID = roomID
	c.name = name
	c.identityMu.Unlock()
}

// ClearRoom drops the connection's room association, keeping the name.
func (c *Connection) ClearRoom() {
	c.identityMu.Lock()
	c.roomID = ""
	c.identityMu.Unlock()
}

// RoomID returns the room the connection joined, or "" if none.
func (c *Connection) RoomID() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.roomID
}

// Name returns the display name the connection joined with, or "" if none.
func (c *Connection) Name() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.name
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both connection ID and fd, and room-scoped listing for chat
// fan-out.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // conn_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	n := len(cm.byID)
	cm.mu.Unlock()

	metrics.Connections.Set(float64(n))
}

// Remove removes a connection by connection ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	n := len(cm.byID)
	cm.mu.Unlock()

	if ok {
		conn.Close()
		metrics.Connections.Set(float64(n))
	}
	return ok
}

// RemoveByFd removes a connection by file descriptor, closes the underlying
// network connection, and removes it from both lookup maps. It returns the
// removed connection, or nil if no connection was registered for that fd.
func (cm *ConnectionManager) RemoveByFd(fd int) *Connection {
	cm.mu.Lock()
	conn, ok := cm.byFd[fd]
	if ok {
		delete(cm.byFd, fd)
		delete(cm.byID, conn.ID)
	}
	n := len(cm.byID)
	cm.mu.Unlock()

	if ok {
		conn.Close()
		metrics.Connections.Set(float64(n))
		return conn
	}
	return nil
}

// Get returns the connection for the given connection ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// IsLive reports whether the connection ID belongs to a currently registered
// connection. The matcher uses this to discard stale waiting-pool entries.
func (cm *ConnectionManager) IsLive(id string) bool {
	cm.mu.RLock()
	_, ok := cm.byID[id]
	cm.mu.RUnlock()
	return ok
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// InRoom returns a snapshot of all connections whose identity places them in
// the given room. The returned slice is safe to iterate without the lock.
func (cm *ConnectionManager) InRoom(roomID string) []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, 4)
	for _, conn := range cm.byID {
		if conn.RoomID() == roomID {
			conns = append(conns, conn)
		}
	}
	cm.mu.RUnlock()
	return conns
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
