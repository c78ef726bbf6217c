// Package report archives a JSON results report for each completed batch
// run to the object store.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/verdict-labs/verdict-go/internal/domain"
	"github.com/verdict-labs/verdict-go/internal/runner"
)

type Archiver struct {
	client *minio.Client
	bucket string
}

func NewArchiver(client *minio.Client, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

type document struct {
	Schema     string           `json:"schema"`
	ArchivedAt time.Time        `json:"archived_at"`
	Run        runner.Summary   `json:"run"`
	Outcomes   []domain.Outcome `json:"outcomes"`
}

const documentSchema = "verdict.batch_report.v1"

// Archive uploads the run report and returns the object key.
func (a *Archiver) Archive(ctx context.Context, summary runner.Summary, outcomes []domain.Outcome) (string, error) {
	doc := document{
		Schema:     documentSchema,
		ArchivedAt: time.Now().UTC(),
		Run:        summary,
		Outcomes:   outcomes,
	}
	blob, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	key := fmt.Sprintf("batch-runs/%s/%s.json", summary.StartedAt.UTC().Format("2006/01/02"), summary.RunID)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put report %s: %w", key, err)
	}
	return key, nil
}
