// Package tesseract runs batch recognition locally through the Tesseract
// library. Batches are recognized at submit time and their results kept in
// the object store, so Poll answers from durable state across restarts.
package tesseract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/otiai10/gosseract/v2"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
	"github.com/MimeLyc/pagescan-ocr/internal/recognition"
	"github.com/MimeLyc/pagescan-ocr/internal/storage"
	"github.com/MimeLyc/pagescan-ocr/pkg/log"
)

const batchPrefix = "ocr/tesseract/"

type Provider struct {
	store         storage.Storage
	languages     []string
	clientFactory func() *gosseract.Client
}

var _ recognition.Provider = (*Provider)(nil)

func NewProvider(store storage.Storage, languages []string) *Provider {
	return &Provider{store: store, languages: languages, clientFactory: gosseract.NewClient}
}

func batchKey(batchID string) string {
	return batchPrefix + batchID + ".json"
}

func (p *Provider) Submit(ctx context.Context, items []recognition.Item) (string, error) {
	if len(items) == 0 {
		return "", jobs.NewError(jobs.ErrValidation, "batch has no items")
	}
	batchID := uuid.NewString()
	result := recognition.BatchResult{
		BatchID: batchID,
		Status:  recognition.BatchCompleted,
		Items:   make([]recognition.ItemResult, 0, len(items)),
	}

	c := p.clientFactory()
	defer c.Close()
	if len(p.languages) > 0 {
		if err := c.SetLanguage(p.languages...); err != nil {
			return "", jobs.WrapError(err, jobs.ErrExternalService, "set languages")
		}
	}
	for _, item := range items {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		text, err := p.recognize(ctx, c, item)
		if err != nil {
			log.Warn("tesseract: item %s of batch %s failed: %v", item.ID, batchID, err)
			result.Items = append(result.Items, recognition.ItemResult{ID: item.ID, Status: recognition.ItemFailed, Error: err.Error()})
			continue
		}
		result.Items = append(result.Items, recognition.ItemResult{ID: item.ID, Status: recognition.ItemSucceeded, Text: text})
	}

	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal batch result: %w", err)
	}
	if err := p.store.Put(ctx, batchKey(batchID), data); err != nil {
		return "", err
	}
	log.Debug("tesseract: batch %s recognized %d items", batchID, len(items))
	return batchID, nil
}

func (p *Provider) recognize(ctx context.Context, c *gosseract.Client, item recognition.Item) (string, error) {
	data, err := storage.ReadAll(ctx, p.store, item.Key)
	if err != nil {
		return "", err
	}
	if err := c.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (p *Provider) Poll(ctx context.Context, batchID string) (*recognition.BatchResult, error) {
	data, err := storage.ReadAll(ctx, p.store, batchKey(batchID))
	if err != nil {
		if jobs.IsErrorType(err, jobs.ErrNotFound) {
			return nil, jobs.NewErrorf(jobs.ErrExternalService, "unknown batch %q", batchID)
		}
		return nil, err
	}
	var result recognition.BatchResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, jobs.WrapError(err, jobs.ErrExternalService, "decode batch result").WithContext("batch_id", batchID)
	}
	return &result, nil
}

// Discard drops the stored result of a finished batch.
func (p *Provider) Discard(ctx context.Context, batchID string) error {
	return p.store.Delete(ctx, batchKey(batchID))
}
