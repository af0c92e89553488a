package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mbd888/aetherlock/internal/events"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func newKey(t *testing.T) solana.PublicKey {
	t.Helper()
	k, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k.PublicKey()
}

func note(typ events.Type, id common.Hash, parties ...solana.PublicKey) *events.Notification {
	return &events.Notification{Type: typ, EscrowID: id, Parties: parties, Timestamp: time.Now()}
}

func TestWants_AllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true, Types: []events.Type{events.EscrowFunded}}}

	if !client.wants(note(events.EscrowReleased, common.Hash{1})) {
		t.Error("AllEvents client should receive all notifications")
	}
}

func TestWants_TypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		Types: []events.Type{events.EscrowDisputed, events.EscrowResolved},
	}}

	if !client.wants(note(events.EscrowDisputed, common.Hash{})) {
		t.Error("Should receive disputed notifications")
	}
	if client.wants(note(events.EscrowFunded, common.Hash{})) {
		t.Error("Should NOT receive funded notifications")
	}
}

func TestWants_EscrowFilter(t *testing.T) {
	client := &Client{sub: Subscription{EscrowIDs: []common.Hash{{0xaa}}}}

	if !client.wants(note(events.EscrowCreated, common.Hash{0xaa})) {
		t.Error("Should match subscribed escrow")
	}
	if client.wants(note(events.EscrowCreated, common.Hash{0xbb})) {
		t.Error("Should NOT match other escrows")
	}
}

func TestWants_PartyFilter(t *testing.T) {
	buyer, seller, other := newKey(t), newKey(t), newKey(t)
	client := &Client{sub: Subscription{Parties: []solana.PublicKey{seller}}}

	if !client.wants(note(events.EscrowReleased, common.Hash{}, buyer, seller)) {
		t.Error("Should match notification involving the seller")
	}
	if client.wants(note(events.EscrowReleased, common.Hash{}, buyer, other)) {
		t.Error("Should NOT match unrelated parties")
	}
	if client.wants(note(events.EscrowReleased, common.Hash{})) {
		t.Error("Party filter should reject notifications without parties")
	}
}

func TestWants_EmptySubscription(t *testing.T) {
	client := &Client{sub: Subscription{}}

	if !client.wants(note(events.CrossChainAbort, common.Hash{})) {
		t.Error("Empty subscription (no filters) should receive notifications")
	}
}

func TestSubscription_DecodesFromJSON(t *testing.T) {
	pk := newKey(t)
	raw := `{"types":["escrow.funded"],"escrowIds":["0x` + common.Hash{0x01}.Hex()[2:] + `"],"parties":["` + pk.String() + `"]}`

	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sub.Types) != 1 || sub.Types[0] != events.EscrowFunded {
		t.Errorf("unexpected types %v", sub.Types)
	}
	if len(sub.EscrowIDs) != 1 || sub.EscrowIDs[0] != (common.Hash{0x01}) {
		t.Errorf("unexpected escrow ids %v", sub.EscrowIDs)
	}
	if len(sub.Parties) != 1 || !sub.Parties[0].Equals(pk) {
		t.Errorf("unexpected parties %v", sub.Parties)
	}
}

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Publish(note(events.EscrowCreated, common.Hash{}))
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := testHub() // Run not started, queue fills up

	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			h.Publish(note(events.EscrowCreated, common.Hash{}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	if got := h.Stats()["droppedEvents"].(int64); got != 300-256 {
		t.Errorf("Expected %d dropped, got %d", 300-256, got)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(&events.Notification{
		Seq:        7,
		Type:       events.EscrowFunded,
		EscrowID:   common.Hash{0x42},
		Attributes: map[string]string{"amount": "1000"},
		Timestamp:  time.Now(),
	})

	select {
	case msg := <-client.send:
		var got events.Notification
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Seq != 7 || got.Type != events.EscrowFunded || got.Attributes["amount"] != "1000" {
			t.Errorf("unexpected notification %+v", got)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredPublish(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants dispute notifications
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Types: []events.Type{events.EscrowDisputed}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(note(events.EscrowFunded, common.Hash{}))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive funded notification")
	default:
	}

	h.Publish(note(events.EscrowDisputed, common.Hash{}))

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive disputed notification")
	}
}

func TestHub_SubscribesToBus(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{hub: h, send: make(chan []byte, 16), sub: Subscription{AllEvents: true}}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	bus := events.NewBus(events.NewMemoryLog(), slog.Default())
	bus.Subscribe(h)
	bus.Emit(ctx, events.EscrowRefunded, common.Hash{0x09}, nil)

	select {
	case msg := <-client.send:
		var got events.Notification
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Seq != 1 || got.Type != events.EscrowRefunded {
			t.Errorf("unexpected notification %+v", got)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for bus notification")
	}
}

func TestHub_ReplayAfterSeq(t *testing.T) {
	log := events.NewMemoryLog()
	ctx := context.Background()
	for _, n := range []*events.Notification{
		note(events.EscrowCreated, common.Hash{1}),
		note(events.EscrowFunded, common.Hash{1}),
		note(events.EscrowFunded, common.Hash{2}),
		note(events.EscrowReleased, common.Hash{1}),
	} {
		if err := log.Append(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	hub := testHub().WithHistory(log)
	client := &Client{hub: hub, send: make(chan []byte, 10), sub: Subscription{EscrowIDs: []common.Hash{{1}}}}

	if got := hub.replay(ctx, client, 1); got != 2 {
		t.Fatalf("replayed %d notifications, want 2", got)
	}
	var seqs []int64
	for len(client.send) > 0 {
		var n events.Notification
		if err := json.Unmarshal(<-client.send, &n); err != nil {
			t.Fatal(err)
		}
		seqs = append(seqs, n.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 4 {
		t.Errorf("replayed seqs = %v, want [2 4]", seqs)
	}
}

func TestHub_ReplayStopsWhenBufferFull(t *testing.T) {
	log := events.NewMemoryLog()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := log.Append(ctx, note(events.EscrowCreated, common.Hash{byte(i)})); err != nil {
			t.Fatal(err)
		}
	}

	hub := testHub().WithHistory(log)
	client := &Client{hub: hub, send: make(chan []byte, 2), sub: Subscription{AllEvents: true}}
	if got := hub.replay(ctx, client, 0); got != 2 {
		t.Errorf("replayed %d, want 2 (buffer size)", got)
	}
}

func TestHub_ReplayWithoutHistory(t *testing.T) {
	hub := testHub()
	client := &Client{hub: hub, send: make(chan []byte, 1), sub: Subscription{AllEvents: true}}
	if got := hub.replay(context.Background(), client, 1); got != 0 {
		t.Errorf("replayed %d without history, want 0", got)
	}
}
