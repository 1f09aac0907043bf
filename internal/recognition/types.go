package recognition

import "context"

type BatchStatus string

const (
	BatchSubmitted BatchStatus = "submitted"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// Terminal reports whether the provider will not change the batch any more.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

type ItemStatus string

const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemPending   ItemStatus = "pending"
)

// Item is one image submitted for recognition.
//
// ID: caller-chosen identifier echoed back in the result
// Key: object-store key of the image
// URL: signed download URL of the image, for remote providers
type Item struct {
	ID          string `json:"id"`
	Key         string `json:"-"`
	URL         string `json:"image_url"`
	ContentType string `json:"content_type,omitempty"`
}

type ItemResult struct {
	ID     string     `json:"id"`
	Status ItemStatus `json:"status"`
	Text   string     `json:"text,omitempty"`
	Error  string     `json:"error,omitempty"`
}

type BatchResult struct {
	BatchID string       `json:"batch_id"`
	Status  BatchStatus  `json:"status"`
	Items   []ItemResult `json:"items,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Provider is an asynchronous batch recognition service. Submit returns
// immediately with a batch id; Poll reports the batch status and, once the
// batch is terminal, one result per submitted item.
type Provider interface {
	Submit(ctx context.Context, items []Item) (string, error)
	Poll(ctx context.Context, batchID string) (*BatchResult, error)
}

// Discarder is implemented by providers that keep batch results until the
// caller no longer needs them.
type Discarder interface {
	Discard(ctx context.Context, batchID string) error
}
