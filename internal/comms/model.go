// Package comms implements per-recipient inboxes with CC fan-out, broadcast
// de-duplication, and trigger detection on outgoing content.
package comms

// Message is one inbox row. Content lives on disk; the row references it.
type Message struct {
	ID           int64  `db:"id" json:"id"`
	FromAgent    string `db:"from_agent" json:"from"`
	ToAgent      string `db:"to_agent" json:"to"`
	ContentFile  string `db:"content_file" json:"content_file,omitempty"`
	Content      string `db:"-" json:"content"`
	Timestamp    string `db:"timestamp" json:"timestamp"`
	ReadFlag     int    `db:"read_flag" json:"-"`
	IsCC         int    `db:"is_cc" json:"is_cc,omitempty"`
	CCOriginalTo string `db:"cc_original_to" json:"cc_original_to,omitempty"`
}

// Broadcast recipient sentinel. A row addressed to "all" is delivered to
// every registered agent at read time with per-agent dedup.
const RecipientAll = "all"

// SendResult reports what a send produced.
type SendResult struct {
	MessageIDs []int64  `json:"message_ids"`
	Recipients []string `json:"recipients"`
	Triggers   []string `json:"triggers,omitempty"`
	CCdToLead  bool     `json:"ccd_to_lead,omitempty"`
}
