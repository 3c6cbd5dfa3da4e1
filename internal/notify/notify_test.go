package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agendawatch/internal/config"
	"agendawatch/internal/match"
	"agendawatch/internal/store"
)

type fakeSender struct {
	calls []Message
	errs  []error // consumed per call; nil after exhaustion
}

func (f *fakeSender) Send(_ context.Context, msg Message) (string, error) {
	f.calls = append(f.calls, msg)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return "msg-1", nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agendawatch.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testPair() match.Pair {
	return match.Pair{
		Subscriber: config.Subscriber{
			ID:     "ana",
			Email:  "ana@example.org",
			Status: config.StatusActive,
		},
		Change: store.Change{
			EventID:    "ev1",
			ItemID:     "item1",
			SourceID:   "council",
			Type:       store.ChangeAdded,
			Title:      "Housing Committee Agenda",
			Summary:    "affordable units on the consent calendar",
			DetectedAt: "2026-03-01T12:00:00Z",
		},
	}
}

func newTestNotifier(st *store.Store, sender Sender, outbox string) *Notifier {
	n := New(st, sender, "alerts@example.org", 2, outbox, map[string]string{"council": "City Council"})
	n.sleep = func(time.Duration) {}
	return n
}

func TestDeliverSendsAndRecords(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{}
	n := newTestNotifier(st, sender, "")

	res, err := n.Deliver(context.Background(), []match.Pair{testPair()})
	if err != nil {
		t.Fatalf("delivering: %v", err)
	}
	if res.Sent != 1 || res.Skipped != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 1 sent", res)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("sender called %d times, want 1", len(sender.calls))
	}

	msg := sender.calls[0]
	if msg.To != "ana@example.org" || msg.From != "alerts@example.org" {
		t.Errorf("addressing wrong: %+v", msg)
	}
	if !strings.Contains(msg.Subject, "City Council") {
		t.Errorf("subject %q should use the source display name", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "<h2>") {
		t.Errorf("HTML body not rendered from markdown: %q", msg.HTML)
	}

	sent, err := st.IsSent("ana", "item1")
	if err != nil {
		t.Fatalf("checking ledger: %v", err)
	}
	if !sent {
		t.Error("delivery was not recorded in the sent ledger")
	}
}

func TestDeliverSkipsAlreadySentBeforeCallingSender(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{}
	n := newTestNotifier(st, sender, "")

	pair := testPair()
	if _, err := n.Deliver(context.Background(), []match.Pair{pair}); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	res, err := n.Deliver(context.Background(), []match.Pair{pair})
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if res.Skipped != 1 || res.Sent != 0 {
		t.Fatalf("result = %+v, want 1 skipped", res)
	}
	if len(sender.calls) != 1 {
		t.Errorf("sender called %d times total, want 1 (ledger must gate before sending)", len(sender.calls))
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{errs: []error{errors.New("mail API returned 503")}}
	n := newTestNotifier(st, sender, "")

	res, err := n.Deliver(context.Background(), []match.Pair{testPair()})
	if err != nil {
		t.Fatalf("delivering: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("result = %+v, want 1 sent after retry", res)
	}
	if len(sender.calls) != 2 {
		t.Errorf("sender called %d times, want 2", len(sender.calls))
	}
}

func TestDeliverFailureGoesToOutboxAndStaysUnsent(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	outbox := filepath.Join(t.TempDir(), "outbox.jsonl")
	n := newTestNotifier(st, sender, outbox)

	res, err := n.Deliver(context.Background(), []match.Pair{testPair()})
	if err != nil {
		t.Fatalf("delivering: %v", err)
	}
	if res.Failed != 1 || res.Sent != 0 {
		t.Fatalf("result = %+v, want 1 failed", res)
	}

	sent, err := st.IsSent("ana", "item1")
	if err != nil {
		t.Fatalf("checking ledger: %v", err)
	}
	if sent {
		t.Error("failed delivery must not be recorded as sent")
	}

	data, err := os.ReadFile(outbox)
	if err != nil {
		t.Fatalf("reading outbox: %v", err)
	}
	var entry outboxEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("decoding outbox line: %v", err)
	}
	if entry.SubscriberID != "ana" || entry.ItemID != "item1" {
		t.Errorf("outbox entry = %+v", entry)
	}
	if entry.Error != "boom" {
		t.Errorf("outbox error = %q, want boom", entry.Error)
	}
}

func TestDeliverIsolatesFailures(t *testing.T) {
	st := openTestStore(t)
	// First pair fails both attempts, second pair succeeds.
	sender := &fakeSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	n := newTestNotifier(st, sender, "")

	second := testPair()
	second.Change.ItemID = "item2"
	second.Change.EventID = "ev2"
	second.Change.Title = "Zoning Update"

	res, err := n.Deliver(context.Background(), []match.Pair{testPair(), second})
	if err != nil {
		t.Fatalf("delivering: %v", err)
	}
	if res.Failed != 1 || res.Sent != 1 {
		t.Fatalf("result = %+v, want 1 failed and 1 sent", res)
	}
}

func TestReplayOutboxDeliversDeferredMessages(t *testing.T) {
	st := openTestStore(t)
	outbox := filepath.Join(t.TempDir(), "outbox.jsonl")

	// An outage run defers the pair to the outbox.
	failing := &fakeSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	if _, err := newTestNotifier(st, failing, outbox).Deliver(context.Background(), []match.Pair{testPair()}); err != nil {
		t.Fatalf("outage delivery: %v", err)
	}

	// The next run replays it through a healthy sender.
	sender := &fakeSender{}
	res, err := newTestNotifier(st, sender, outbox).ReplayOutbox(context.Background())
	if err != nil {
		t.Fatalf("replaying: %v", err)
	}
	if res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("replay result = %+v, want 1 sent", res)
	}
	if len(sender.calls) != 1 || sender.calls[0].To != "ana@example.org" {
		t.Fatalf("replayed message = %+v", sender.calls)
	}

	sent, err := st.IsSent("ana", "item1")
	if err != nil {
		t.Fatalf("checking ledger: %v", err)
	}
	if !sent {
		t.Error("replayed delivery was not recorded in the ledger")
	}
	if _, err := os.Stat(outbox); !os.IsNotExist(err) {
		t.Error("outbox was not cleared after a successful replay")
	}
}

func TestReplayOutboxKeepsFailingEntries(t *testing.T) {
	st := openTestStore(t)
	outbox := filepath.Join(t.TempDir(), "outbox.jsonl")

	failing := &fakeSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	if _, err := newTestNotifier(st, failing, outbox).Deliver(context.Background(), []match.Pair{testPair()}); err != nil {
		t.Fatalf("outage delivery: %v", err)
	}

	stillFailing := &fakeSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	res, err := newTestNotifier(st, stillFailing, outbox).ReplayOutbox(context.Background())
	if err != nil {
		t.Fatalf("replaying: %v", err)
	}
	if res.Failed != 1 || res.Sent != 0 {
		t.Fatalf("replay result = %+v, want 1 failed", res)
	}

	// The pair stays queued and unsent, ready for the run after this one.
	data, err := os.ReadFile(outbox)
	if err != nil {
		t.Fatalf("reading outbox: %v", err)
	}
	var entry outboxEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("decoding outbox line: %v", err)
	}
	if entry.SubscriberID != "ana" || entry.ItemID != "item1" {
		t.Errorf("kept entry = %+v", entry)
	}
	sent, err := st.IsSent("ana", "item1")
	if err != nil {
		t.Fatalf("checking ledger: %v", err)
	}
	if sent {
		t.Error("failed replay must not be recorded as sent")
	}
}

func TestReplayOutboxSkipsAlreadySentPairs(t *testing.T) {
	st := openTestStore(t)
	outbox := filepath.Join(t.TempDir(), "outbox.jsonl")

	failing := &fakeSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	n := newTestNotifier(st, failing, outbox)
	if _, err := n.Deliver(context.Background(), []match.Pair{testPair()}); err != nil {
		t.Fatalf("outage delivery: %v", err)
	}

	// The pair gets delivered through some other path before the replay.
	if err := st.RecordSent(store.SentEvent{SubscriberID: "ana", ItemID: "item1", SentAt: "2026-03-01T13:00:00Z"}); err != nil {
		t.Fatalf("recording sent: %v", err)
	}

	sender := &fakeSender{}
	res, err := newTestNotifier(st, sender, outbox).ReplayOutbox(context.Background())
	if err != nil {
		t.Fatalf("replaying: %v", err)
	}
	if res.Skipped != 1 || res.Sent != 0 {
		t.Fatalf("replay result = %+v, want 1 skipped", res)
	}
	if len(sender.calls) != 0 {
		t.Errorf("sender called %d times for an already-sent pair", len(sender.calls))
	}
	if _, err := os.Stat(outbox); !os.IsNotExist(err) {
		t.Error("outbox kept an entry whose pair is already in the ledger")
	}
}

func TestComposeShortensLongSummaries(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{}
	n := newTestNotifier(st, sender, "")

	pair := testPair()
	pair.Change.Summary = strings.Repeat("agenda filler text ", 40) + "tailmarker"

	if _, err := n.Deliver(context.Background(), []match.Pair{pair}); err != nil {
		t.Fatalf("delivering: %v", err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("sender called %d times, want 1", len(sender.calls))
	}
	body := sender.calls[0].Text
	if strings.Contains(body, "tailmarker") {
		t.Error("email body was not shortened")
	}
	if !strings.Contains(body, "...") {
		t.Error("shortened body missing ellipsis")
	}
}

func TestAPISender(t *testing.T) {
	var got Message
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg-42"}`))
	}))
	defer srv.Close()

	s := NewAPISender(config.Email{APIURL: srv.URL, TimeoutSeconds: 5}, "secret")
	id, err := s.Send(context.Background(), Message{
		To:      "ana@example.org",
		From:    "alerts@example.org",
		Subject: "hello",
		Text:    "body",
	})
	if err != nil {
		t.Fatalf("sending: %v", err)
	}
	if id != "msg-42" {
		t.Errorf("message id = %q, want msg-42", id)
	}
	if auth != "Bearer secret" {
		t.Errorf("authorization = %q", auth)
	}
	if got.To != "ana@example.org" || got.Subject != "hello" {
		t.Errorf("posted message = %+v", got)
	}
}

func TestAPISenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewAPISender(config.Email{APIURL: srv.URL, TimeoutSeconds: 5}, "secret")
	if _, err := s.Send(context.Background(), Message{To: "ana@example.org"}); err == nil {
		t.Fatal("want error on 429")
	}
}
