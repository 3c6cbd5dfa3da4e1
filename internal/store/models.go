package store

// Change types emitted by the differ.
const (
	ChangeAdded    = "added"
	ChangeRemoved  = "removed"
	ChangeModified = "modified"
)

// Source health states.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// downThreshold is the number of consecutive fetch failures after which a
// source is reported as down.
const downThreshold = 3

// Item is one agenda item in a source's persisted baseline. Items are never
// mutated: a content edit yields a new item with a new fingerprint id.
type Item struct {
	ID          string
	SourceID    string
	Title       string
	MeetingDate string // YYYY-MM-DD, empty if unknown
	Summary     string
	Attachments []Attachment
	FirstSeen   string
	LastSeen    string
}

// Attachment is a linked document (usually a PDF) on an agenda item.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Change records one detected difference between two runs.
type Change struct {
	EventID    string
	ItemID     string
	SourceID   string
	Type       string
	Title      string
	Summary    string
	DetectedAt string
}

// SentEvent marks a (subscriber, item) notification as delivered. Its
// presence in the ledger is the sole gate against re-sending.
type SentEvent struct {
	SubscriberID string
	ItemID       string
	SentAt       string
	MessageID    string
}

// SourceHealth tracks fetch reliability for one source.
type SourceHealth struct {
	SourceID            string
	LastCheck           *string
	LastSuccess         *string
	ConsecutiveFailures int
	LastError           *string
	Status              string
}

// RunReport holds the outcome of one pipeline run.
type RunReport struct {
	ID             int64
	StartedAt      string
	FinishedAt     *string
	SourcesChecked int
	SourcesFailed  int
	ChangesFound   int
	Sent           int
	SendFailed     int
	Status         string
}

// Stats contains aggregate counts for the status surface.
type Stats struct {
	BaselineItems int
	TotalChanges  int
	ChangesByType map[string]int
	SentEvents    int
	SourcesDown   int
}
