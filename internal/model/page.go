package model

// FeedItem is one item returned by an upstream feed page. The core
// treats the item as an opaque target descriptor; interpreting Payload
// is the caller's concern.
type FeedItem struct {
	TargetID    string `json:"target_id"`
	TargetLabel string `json:"target_label,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

// PageResult is the outcome of a single upstream page fetch. NextCursor
// is an opaque token; an empty NextCursor with HasMore false is a
// confirmed end of the feed, while an empty NextCursor with HasMore
// true is an ambiguity the harvest loop resolves with its retry budget.
type PageResult struct {
	Items      []FeedItem `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
	HasMore    bool       `json:"has_more"`
}

// HarvestState is the terminal state of a harvest run.
type HarvestState string

const (
	// HarvestDone means the feed was exhausted or a configured cap was
	// reached.
	HarvestDone HarvestState = "done"
	// HarvestStalled means the upstream cursor stopped advancing and
	// the stall retry bound was exceeded.
	HarvestStalled HarvestState = "stalled"
)

// HarvestStats summarizes a harvest run. Complete is false when the
// run ended early (fetch failures exceeded their bound) even though the
// state is HarvestDone, so partial progress is never reported as a
// clean finish.
type HarvestStats struct {
	State        HarvestState `json:"state"`
	Pages        int          `json:"pages"`
	Items        int          `json:"items"`
	FetchErrors  int          `json:"fetch_errors"`
	StallRetries int          `json:"stall_retries"`
	Complete     bool         `json:"complete"`
}
