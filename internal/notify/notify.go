// Package notify delivers matched changes by email. Delivery is
// at-least-once: a (subscriber, item) pair is recorded in the sent ledger
// only after the mail API accepts the message, so a crash between send and
// record can repeat an email but never lose one. Pairs already in the
// ledger are skipped before any network call. Pairs that exhaust their
// in-run retries are queued in the outbox and replayed on the next run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"agendawatch/internal/match"
	"agendawatch/internal/store"
)

// Message is one outbound email.
type Message struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

// Sender hands a message to a mail backend and returns its message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Result summarizes one delivery pass.
type Result struct {
	Sent    int
	Skipped int
	Failed  int
}

// Notifier sends matched changes and keeps the sent ledger.
type Notifier struct {
	st          *store.Store
	sender      Sender
	from        string
	maxAttempts int
	outboxPath  string
	sourceNames map[string]string

	sleep func(time.Duration)
}

// New creates a Notifier. outboxPath is where undeliverable messages are
// appended; sourceNames maps source ids to display names for subjects.
func New(st *store.Store, sender Sender, from string, maxAttempts int, outboxPath string, sourceNames map[string]string) *Notifier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Notifier{
		st:          st,
		sender:      sender,
		from:        from,
		maxAttempts: maxAttempts,
		outboxPath:  outboxPath,
		sourceNames: sourceNames,
		sleep:       time.Sleep,
	}
}

// Deliver sends one email per matched pair, skipping pairs the ledger has
// already seen. Failures after retries are appended to the outbox and
// counted; they do not stop the remaining pairs.
func (n *Notifier) Deliver(ctx context.Context, pairs []match.Pair) (Result, error) {
	var res Result
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		sent, err := n.st.IsSent(pair.Subscriber.ID, pair.Change.ItemID)
		if err != nil {
			return res, fmt.Errorf("checking sent ledger: %w", err)
		}
		if sent {
			res.Skipped++
			continue
		}

		msg := n.compose(pair)
		messageID, err := n.sendWithRetry(ctx, msg)
		if err != nil {
			res.Failed++
			if obErr := n.appendOutbox(pair, msg, err); obErr != nil {
				return res, fmt.Errorf("writing outbox: %w", obErr)
			}
			continue
		}

		ev := store.SentEvent{
			SubscriberID: pair.Subscriber.ID,
			ItemID:       pair.Change.ItemID,
			SentAt:       time.Now().UTC().Format("2006-01-02T15:04:05Z"),
			MessageID:    messageID,
		}
		if err := n.st.RecordSent(ev); err != nil {
			return res, fmt.Errorf("recording sent event: %w", err)
		}
		res.Sent++
	}
	return res, nil
}

// ReplayOutbox retries messages deferred by earlier runs. Delivered
// entries are recorded in the ledger and dropped from the outbox; entries
// that fail again stay queued for the next run.
func (n *Notifier) ReplayOutbox(ctx context.Context) (Result, error) {
	var res Result
	if n.outboxPath == "" {
		return res, nil
	}
	data, err := os.ReadFile(n.outboxPath)
	if os.IsNotExist(err) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("reading outbox: %w", err)
	}

	var remaining []outboxEntry
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var entry outboxEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // malformed line, nothing to resend
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		sent, err := n.st.IsSent(entry.SubscriberID, entry.ItemID)
		if err != nil {
			return res, fmt.Errorf("checking sent ledger: %w", err)
		}
		if sent {
			res.Skipped++
			continue
		}

		messageID, err := n.sendWithRetry(ctx, entry.Message)
		if err != nil {
			res.Failed++
			entry.Error = err.Error()
			remaining = append(remaining, entry)
			continue
		}

		ev := store.SentEvent{
			SubscriberID: entry.SubscriberID,
			ItemID:       entry.ItemID,
			SentAt:       time.Now().UTC().Format("2006-01-02T15:04:05Z"),
			MessageID:    messageID,
		}
		if err := n.st.RecordSent(ev); err != nil {
			return res, fmt.Errorf("recording sent event: %w", err)
		}
		res.Sent++
	}

	if err := n.rewriteOutbox(remaining); err != nil {
		return res, fmt.Errorf("rewriting outbox: %w", err)
	}
	return res, nil
}

func (n *Notifier) rewriteOutbox(entries []outboxEntry) error {
	if len(entries) == 0 {
		if err := os.Remove(n.outboxPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	var buf bytes.Buffer
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return os.WriteFile(n.outboxPath, buf.Bytes(), 0o644)
}

func (n *Notifier) sendWithRetry(ctx context.Context, msg Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt < n.maxAttempts; attempt++ {
		if attempt > 0 {
			n.sleep(time.Duration(1<<uint(attempt-1)) * time.Second)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		messageID, err := n.sender.Send(ctx, msg)
		if err != nil {
			lastErr = err
			continue
		}
		return messageID, nil
	}
	return "", lastErr
}

func (n *Notifier) compose(pair match.Pair) Message {
	source := pair.Change.SourceID
	if name, ok := n.sourceNames[source]; ok && name != "" {
		source = name
	}

	subject := fmt.Sprintf("[Agenda] %s: %s - %s", source, changeVerb(pair.Change.Type), pair.Change.Title)

	var md strings.Builder
	fmt.Fprintf(&md, "## %s\n\n", pair.Change.Title)
	fmt.Fprintf(&md, "**%s** on %s", changeVerb(pair.Change.Type), source)
	if pair.Change.DetectedAt != "" {
		fmt.Fprintf(&md, " (detected %s)", pair.Change.DetectedAt)
	}
	md.WriteString("\n\n")
	if pair.Change.Summary != "" {
		md.WriteString(excerpt(pair.Change.Summary, summaryExcerptLength))
		md.WriteString("\n\n")
	}
	fmt.Fprintf(&md, "---\n\nYou are receiving this because your subscription (%s) matched this change.\n", pair.Subscriber.ID)

	text := md.String()
	return Message{
		To:      pair.Subscriber.Email,
		From:    n.from,
		Subject: subject,
		Text:    text,
		HTML:    renderHTML(text),
	}
}

// summaryExcerptLength caps how much item text goes into an email body.
// Matching runs on the full text; only the rendered message is shortened.
const summaryExcerptLength = 500

// excerpt shortens text at a word boundary.
func excerpt(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

func changeVerb(changeType string) string {
	switch changeType {
	case store.ChangeAdded:
		return "New item"
	case store.ChangeRemoved:
		return "Item removed"
	case store.ChangeModified:
		return "Item updated"
	default:
		return changeType
	}
}

func renderHTML(markdown string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return ""
	}
	return buf.String()
}

// outboxEntry is one undeliverable message, kept as a JSON line so a later
// run or an operator can replay it.
type outboxEntry struct {
	SubscriberID string  `json:"subscriber_id"`
	ItemID       string  `json:"item_id"`
	EventID      string  `json:"event_id"`
	Error        string  `json:"error"`
	QueuedAt     string  `json:"queued_at"`
	Message      Message `json:"message"`
}

func (n *Notifier) appendOutbox(pair match.Pair, msg Message, sendErr error) error {
	if n.outboxPath == "" {
		return nil
	}
	entry := outboxEntry{
		SubscriberID: pair.Subscriber.ID,
		ItemID:       pair.Change.ItemID,
		EventID:      pair.Change.EventID,
		Error:        sendErr.Error(),
		QueuedAt:     time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Message:      msg,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(n.outboxPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}
