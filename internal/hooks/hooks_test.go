package hooks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/brucemcpherson/effex-fb/internal/model"
)

func TestDispatch_PostsPacket(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
	}))
	defer srv.Close()

	d := New(srv.Client(), zap.NewNop())
	packet := model.EventPacket{WatchableID: "sak-w1", Event: model.EventUpdate, Nr: 3}
	d.Dispatch(packet, model.Watchable{URL: srv.URL})
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("deliveries: %d", len(bodies))
	}
	var got model.EventPacket
	if err := json.Unmarshal(bodies[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.WatchableID != "sak-w1" || got.Nr != 3 {
		t.Fatalf("packet: %+v", got)
	}
}

func TestDispatch_NoURLIsNoOp(t *testing.T) {
	t.Parallel()
	d := New(nil, zap.NewNop())
	d.Dispatch(model.EventPacket{WatchableID: "sak-w1"}, model.Watchable{})
	d.Flush()
}

func TestDispatch_FailureDoesNotPanic(t *testing.T) {
	t.Parallel()
	d := New(nil, zap.NewNop())
	d.Dispatch(model.EventPacket{WatchableID: "sak-w1"}, model.Watchable{URL: "http://127.0.0.1:1/unreachable"})
	d.Flush()
}
