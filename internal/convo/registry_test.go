package convo

import (
	"io"
	"sync"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return NewRegistry(RegistryOpts{Out: io.Discard})
}

// ---------------------------------------------------------------------------
// Create / FindOrCreate / FindByCorrelation
// ---------------------------------------------------------------------------

func TestCreate_VoiceStartsRinging(t *testing.T) {
	r := newTestRegistry()
	c, err := r.Create("", ChannelVoice, DirectionInbound, "corr-1", "+15550001", "+15559999")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.State != StateRinging {
		t.Errorf("state = %s, want %s", c.State, StateRinging)
	}
	if c.ID == "" {
		t.Error("expected generated id")
	}
}

func TestCreate_MessagingStartsActive(t *testing.T) {
	r := newTestRegistry()
	c, err := r.Create("", ChannelSMS, DirectionInbound, "", "+15550001", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.State != StateActive {
		t.Errorf("state = %s, want %s", c.State, StateActive)
	}
}

func TestCreate_DuplicateID(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Create("c1", ChannelSMS, DirectionInbound, "", "+1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create("c1", ChannelSMS, DirectionInbound, "", "+1", ""); err == nil {
		t.Error("expected error for duplicate id")
	}
}

func TestFindByCorrelation_IgnoresEnded(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelVoice, DirectionInbound, "corr-1", "+1", "")
	if _, ok := r.FindByCorrelation("corr-1"); !ok {
		t.Fatal("expected to find live conversation")
	}
	r.UpdateState(c.ID, StateEnded)
	if _, ok := r.FindByCorrelation("corr-1"); ok {
		t.Error("ended conversation should not be found")
	}
}

func TestFindOrCreate_IdempotentPerSender(t *testing.T) {
	r := newTestRegistry()
	c1, created, err := r.FindOrCreate(ChannelWhatsApp, "m1", "+15550001", "+15559999")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if !created {
		t.Fatal("expected creation on first call")
	}
	if _, err := r.AddMessage(c1.ID, "user", "hello"); err != nil {
		t.Fatalf("add message: %v", err)
	}

	c2, created, err := r.FindOrCreate(ChannelWhatsApp, "m2", "+15550001", "+15559999")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if created {
		t.Error("expected reuse on second call")
	}
	if c2.ID != c1.ID {
		t.Errorf("got different conversation %s, want %s", c2.ID, c1.ID)
	}
	if _, err := r.AddMessage(c2.ID, "user", "again"); err != nil {
		t.Fatalf("add message: %v", err)
	}

	msgs, err := r.History(c1.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("history length = %d, want 2", len(msgs))
	}
}

func TestFindOrCreate_NoCrossSenderCollision(t *testing.T) {
	r := newTestRegistry()
	c1, _, _ := r.FindOrCreate(ChannelWhatsApp, "", "+15550001", "")
	c2, _, _ := r.FindOrCreate(ChannelWhatsApp, "", "+15550002", "")
	if c1.ID == c2.ID {
		t.Error("different senders must get different conversations")
	}
}

// ---------------------------------------------------------------------------
// AddMessage and state transitions
// ---------------------------------------------------------------------------

func TestAddMessage_UserSetsPendingResponse(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	res, err := r.AddMessage(c.ID, "user", "hi")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if res != ResolvedNone {
		t.Errorf("resolution = %v, want ResolvedNone", res)
	}
	got, _ := r.Get(c.ID)
	if got.State != StatePendingResponse {
		t.Errorf("state = %s, want %s", got.State, StatePendingResponse)
	}
}

func TestAddMessage_AssistantDoesNotChangeState(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	if _, err := r.AddMessage(c.ID, "assistant", "welcome"); err != nil {
		t.Fatalf("add message: %v", err)
	}
	got, _ := r.Get(c.ID)
	if got.State != StateActive {
		t.Errorf("state = %s, want %s", got.State, StateActive)
	}
}

func TestAddMessage_UnknownConversation(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.AddMessage("nope", "user", "hi"); err == nil {
		t.Error("expected error for unknown conversation")
	}
}

func TestAddMessage_EndedConversation(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	r.UpdateState(c.ID, StateEnded)
	if _, err := r.AddMessage(c.ID, "user", "hi"); err == nil {
		t.Error("expected error for ended conversation")
	}
}

func TestUpdateState_UnknownIsNoOp(t *testing.T) {
	r := newTestRegistry()
	r.UpdateState("nope", StateEnded) // must not panic
}

func TestUpdateState_EndedIsTerminal(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelVoice, DirectionInbound, "corr", "+1", "")
	r.UpdateState(c.ID, StateEnded)
	r.UpdateState(c.ID, StateActive)
	got, _ := r.Get(c.ID)
	if got.State != StateEnded {
		t.Errorf("state = %s, want %s after end", got.State, StateEnded)
	}
	if got.EndedAt == nil {
		t.Error("expected EndedAt to be set")
	}
}

func TestUpdateState_OnEndedHook(t *testing.T) {
	var mu sync.Mutex
	var ended []Conversation
	r := NewRegistry(RegistryOpts{Out: io.Discard, OnEnded: func(c Conversation) {
		mu.Lock()
		ended = append(ended, c)
		mu.Unlock()
	}})
	c, _ := r.Create("", ChannelVoice, DirectionInbound, "corr", "+1", "")
	r.AddMessage(c.ID, "user", "hi")
	r.UpdateState(c.ID, StateEnded)

	mu.Lock()
	defer mu.Unlock()
	if len(ended) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(ended))
	}
	if len(ended[0].Messages) != 1 {
		t.Errorf("hook snapshot has %d messages, want 1", len(ended[0].Messages))
	}
}

// ---------------------------------------------------------------------------
// WaitForResponse
// ---------------------------------------------------------------------------

func TestWaitForResponse_ImmediateWhenLatestIsUser(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	r.AddMessage(c.ID, "user", "already here")

	start := time.Now()
	msg, ok := r.WaitForResponse(c.ID, 5*time.Second)
	if !ok || msg != "already here" {
		t.Fatalf("got (%q, %v), want (\"already here\", true)", msg, ok)
	}
	if time.Since(start) > time.Second {
		t.Error("expected immediate return without suspending")
	}
}

func TestWaitForResponse_ResolvedByNextUserMessage(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	r.AddMessage(c.ID, "assistant", "question?")

	type result struct {
		msg string
		ok  bool
	}
	resCh := make(chan result, 1)
	go func() {
		msg, ok := r.WaitForResponse(c.ID, 5*time.Second)
		resCh <- result{msg, ok}
	}()

	// Let the waiter register before appending.
	time.Sleep(50 * time.Millisecond)
	res, err := r.AddMessage(c.ID, "user", "answer")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if res != ResolvedResponse {
		t.Errorf("resolution = %v, want ResolvedResponse", res)
	}

	select {
	case got := <-resCh:
		if !got.ok || got.msg != "answer" {
			t.Errorf("got (%q, %v), want (\"answer\", true)", got.msg, got.ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not resolve")
	}
}

func TestWaitForResponse_Timeout(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	r.AddMessage(c.ID, "assistant", "question?")

	msg, ok := r.WaitForResponse(c.ID, 50*time.Millisecond)
	if ok || msg != "" {
		t.Errorf("got (%q, %v), want (\"\", false) on timeout", msg, ok)
	}
}

func TestWaitForResponse_EndedConversationTimesOut(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	r.AddMessage(c.ID, "user", "hi")
	r.UpdateState(c.ID, StateEnded)

	// The latest message is role=user, but the conversation has ended:
	// the wait must not be satisfied with a real message.
	msg, ok := r.WaitForResponse(c.ID, 50*time.Millisecond)
	if ok {
		t.Errorf("got (%q, %v), want timeout on ended conversation", msg, ok)
	}
}

func TestWaitForResponse_SecondRegistrationReplacesFirst(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	r.AddMessage(c.ID, "assistant", "q")

	firstDone := make(chan bool, 1)
	go func() {
		_, ok := r.WaitForResponse(c.ID, 5*time.Second)
		firstDone <- ok
	}()
	time.Sleep(50 * time.Millisecond)

	secondDone := make(chan string, 1)
	go func() {
		msg, _ := r.WaitForResponse(c.ID, 5*time.Second)
		secondDone <- msg
	}()
	time.Sleep(50 * time.Millisecond)

	// The first waiter resolves empty immediately.
	select {
	case ok := <-firstDone:
		if ok {
			t.Error("replaced waiter should resolve empty")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replaced waiter did not resolve")
	}

	// The second waiter gets the message.
	r.AddMessage(c.ID, "user", "for the second")
	select {
	case msg := <-secondDone:
		if msg != "for the second" {
			t.Errorf("second waiter got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second waiter did not resolve")
	}
}

// ---------------------------------------------------------------------------
// WaitForInbound
// ---------------------------------------------------------------------------

func TestWaitForInbound_ImmediateForPendingConversation(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	r.AddMessage(c.ID, "user", "hi")

	got := r.WaitForInbound(50*time.Millisecond, "")
	if got == nil {
		t.Fatal("expected pending conversation immediately")
	}
	if got.ID != c.ID {
		t.Errorf("got %s, want %s", got.ID, c.ID)
	}
	// Claiming the pending conversation moves it back to active.
	after, _ := r.Get(c.ID)
	if after.State != StateActive {
		t.Errorf("state = %s, want %s after claim", after.State, StateActive)
	}
}

func TestWaitForInbound_ResolvedByArrival(t *testing.T) {
	r := newTestRegistry()

	got := make(chan *Conversation, 1)
	go func() {
		got <- r.WaitForInbound(5*time.Second, "")
	}()
	time.Sleep(50 * time.Millisecond)

	c, _ := r.Create("", ChannelWhatsApp, DirectionInbound, "", "+1", "")
	res, _ := r.AddMessage(c.ID, "user", "new work")
	if res != ResolvedInbound {
		t.Errorf("resolution = %v, want ResolvedInbound", res)
	}

	select {
	case cv := <-got:
		if cv == nil || cv.ID != c.ID {
			t.Errorf("waiter got %+v, want conversation %s", cv, c.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound waiter did not resolve")
	}
}

func TestWaitForInbound_ChannelFilter(t *testing.T) {
	r := newTestRegistry()

	got := make(chan *Conversation, 1)
	go func() {
		got <- r.WaitForInbound(300*time.Millisecond, ChannelSMS)
	}()
	time.Sleep(50 * time.Millisecond)

	// A whatsapp arrival must not satisfy an sms-filtered waiter.
	c, _ := r.Create("", ChannelWhatsApp, DirectionInbound, "", "+1", "")
	res, _ := r.AddMessage(c.ID, "user", "hi")
	if res == ResolvedInbound {
		t.Error("whatsapp message must not resolve sms waiter")
	}

	select {
	case cv := <-got:
		if cv != nil {
			t.Errorf("waiter got %s, want timeout", cv.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return")
	}
}

func TestWaitForInbound_Timeout(t *testing.T) {
	r := newTestRegistry()
	if got := r.WaitForInbound(50*time.Millisecond, ""); got != nil {
		t.Errorf("got %s, want nil on timeout", got.ID)
	}
}

// ---------------------------------------------------------------------------
// Sweep
// ---------------------------------------------------------------------------

func TestSweep_RemovesOldEnded(t *testing.T) {
	r := newTestRegistry()
	old, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	live, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+2", "")
	r.UpdateState(old.ID, StateEnded)

	// Backdate the end time past the retention window.
	r.mu.Lock()
	past := time.Now().Add(-2 * time.Hour)
	r.conversations[old.ID].EndedAt = &past
	r.mu.Unlock()

	removed := r.Sweep(time.Hour)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := r.Get(old.ID); ok {
		t.Error("old ended conversation should be gone")
	}
	if _, ok := r.Get(live.ID); !ok {
		t.Error("live conversation should survive sweep")
	}
}

func TestSweep_KeepsRecentEnded(t *testing.T) {
	r := newTestRegistry()
	c, _ := r.Create("", ChannelSMS, DirectionInbound, "", "+1", "")
	r.UpdateState(c.ID, StateEnded)
	if removed := r.Sweep(time.Hour); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}
