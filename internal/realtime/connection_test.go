package realtime

import (
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

func TestSendDuringCloseDoesNotPanic(t *testing.T) {
	conn := testConn("u1")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = conn.Send([]byte("frame " + strconv.Itoa(g) + "/" + strconv.Itoa(i)))
			}
		}(g)
	}
	conn.Close(websocket.CloseNormalClosure, "bye")
	wg.Wait()

	if err := conn.Send([]byte("late")); err == nil {
		t.Fatalf("send after close should report an error")
	}
}

func TestFullBufferCloseUnderConcurrentSends(t *testing.T) {
	conn := testConn("u1")

	// fill the buffer so the overflow path trips Close
	for {
		if err := conn.Send([]byte("fill")); err != nil {
			break
		}
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = conn.Send([]byte("overflow"))
			}
		}()
	}
	wg.Wait()

	if err := conn.Send([]byte("late")); err == nil {
		t.Fatalf("overflowed connection should stay closed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := testConn("u1")
	conn.Close(websocket.CloseNormalClosure, "bye")
	conn.Close(websocket.CloseNormalClosure, "again")

	if err := conn.Send([]byte("late")); err == nil {
		t.Fatalf("send after close should report an error")
	}
}
