package ws

import (
	"net"
	"testing"
	"time"
)

func pipeConn(t *testing.T, id string, fd int) *Connection {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})
	return &Connection{
		ID:        id,
		Conn:      serverSide,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}
}

func TestConnectionManager_AddGetRemove(t *testing.T) {
	cm := NewConnectionManager()
	c := pipeConn(t, "conn-1", 10)

	cm.Add(c)
	if got := cm.Get("conn-1"); got != c {
		t.Fatal("Get by ID did not return the registered connection")
	}
	if got := cm.GetByFd(10); got != c {
		t.Fatal("GetByFd did not return the registered connection")
	}
	if !cm.IsLive("conn-1") {
		t.Error("IsLive = false for a registered connection")
	}
	if cm.Count() != 1 {
		t.Errorf("Count = %d, want 1", cm.Count())
	}

	if !cm.Remove("conn-1") {
		t.Fatal("Remove returned false for a registered connection")
	}
	if cm.Remove("conn-1") {
		t.Error("second Remove should report the connection as already gone")
	}
	if cm.IsLive("conn-1") {
		t.Error("IsLive = true after removal")
	}
	if cm.Get("conn-1") != nil || cm.GetByFd(10) != nil {
		t.Error("lookups should return nil after removal")
	}
}

func TestConnectionManager_RemoveByFd(t *testing.T) {
	cm := NewConnectionManager()
	c := pipeConn(t, "conn-1", 7)
	cm.Add(c)

	removed := cm.RemoveByFd(7)
	if removed != c {
		t.Fatal("RemoveByFd did not return the registered connection")
	}
	if cm.RemoveByFd(7) != nil {
		t.Error("second RemoveByFd should return nil")
	}
	if cm.Count() != 0 {
		t.Errorf("Count = %d, want 0", cm.Count())
	}
}

func TestConnectionManager_InRoom(t *testing.T) {
	cm := NewConnectionManager()
	a := pipeConn(t, "a", 1)
	b := pipeConn(t, "b", 2)
	c := pipeConn(t, "c", 3)
	cm.Add(a)
	cm.Add(b)
	cm.Add(c)

	a.SetIdentity("technical", "alex")
	b.SetIdentity("technical", "blair")
	c.SetIdentity("behavioral", "casey")

	got := cm.InRoom("technical")
	if len(got) != 2 {
		t.Fatalf("InRoom returned %d connections, want 2", len(got))
	}
	for _, conn := range got {
		if conn.RoomID() != "technical" {
			t.Errorf("conn %s has room %q", conn.ID, conn.RoomID())
		}
	}

	a.ClearRoom()
	if len(cm.InRoom("technical")) != 1 {
		t.Error("ClearRoom should remove the connection from room listings")
	}
	if a.Name() != "alex" {
		t.Error("ClearRoom should keep the display name")
	}

	if len(cm.InRoom("no-such-room")) != 0 {
		t.Error("unknown room should list no connections")
	}
}
