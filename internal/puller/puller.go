// Package puller implements the Model Puller (§4.7): a background
// producer that streams an Ollama instance's model-pull progress to a
// bounded channel, detached from the HTTP request that started it
// (§5 "Long-running streams"/"Cancellation"), while persisting the
// Model Record's lifecycle in the Store.
package puller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"modelplane/internal/models"
	"modelplane/internal/ollamaclient"
	"modelplane/internal/repositories"
)

// Event is one structured progress update delivered to a subscriber
// (§4.8: SSE `data:` lines carry these as JSON).
type Event struct {
	InstanceID uuid.UUID `json:"instance_id"`
	Model      string    `json:"model"`
	Status     string    `json:"status"`
	Digest     string    `json:"digest,omitempty"`
	Total      int64     `json:"total,omitempty"`
	Completed  int64     `json:"completed,omitempty"`
	Done       bool      `json:"done"`
	Error      string    `json:"error,omitempty"`
}

// eventBufferSize bounds the per-pull channel (§5): a slow or absent
// subscriber never blocks the producer past this many buffered events.
const eventBufferSize = 64

// Puller drives pulls against one Ollama instance's HTTP API and
// records their lifecycle.
type Puller struct {
	log    *logrus.Logger
	models *repositories.OllamaModelRepository
}

func New(log *logrus.Logger, models *repositories.OllamaModelRepository) *Puller {
	return &Puller{log: log, models: models}
}

// Start begins pulling model into the instance reachable at baseURL
// and returns a channel of progress events. The pull itself runs in a
// detached goroutine using context.WithoutCancel(ctx): if the caller's
// context is cancelled (subscriber disconnect, per §5), event delivery
// on the returned channel simply stops being drained — the pull
// continues to completion so the upstream model state stays
// deterministic, and the Model Record still reaches ready/failed.
func (p *Puller) Start(ctx context.Context, instanceID uuid.UUID, baseURL, model string) <-chan Event {
	events := make(chan Event, eventBufferSize)

	rec := &models.OllamaModel{InstanceID: instanceID, Name: model, Status: models.ModelDownloading}
	if err := p.models.Upsert(ctx, rec); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"instance": instanceID, "model": model}).
			Warn("puller: failed to write initial downloading record")
	}

	detached := context.WithoutCancel(ctx)
	go p.run(detached, events, instanceID, baseURL, model)

	return events
}

func (p *Puller) run(ctx context.Context, events chan<- Event, instanceID uuid.UUID, baseURL, model string) {
	defer close(events)

	client := ollamaclient.New(baseURL)
	log := p.log.WithFields(logrus.Fields{"instance": instanceID, "model": model})

	sawSuccess := false
	var lastDigest string

	err := client.Pull(ctx, model, func(pr ollamaclient.ProgressResponse) error {
		if pr.Digest != "" {
			lastDigest = pr.Digest
		}
		done := pr.Status == "success"
		if done {
			sawSuccess = true
		}
		p.deliver(events, Event{
			InstanceID: instanceID, Model: model, Status: pr.Status,
			Digest: pr.Digest, Total: pr.Total, Completed: pr.Completed, Done: done,
		})
		return nil
	})

	if err != nil {
		log.WithError(err).Warn("puller: pull stream ended with error")
		p.markFailed(ctx, instanceID, model)
		p.deliver(events, Event{InstanceID: instanceID, Model: model, Status: "error", Done: true, Error: err.Error()})
		return
	}

	if !sawSuccess {
		// Stream end without a success frame leaves the record failed
		// (invariant covered by testable property 14).
		log.Warn("puller: pull stream closed without a success record")
		p.markFailed(ctx, instanceID, model)
		p.deliver(events, Event{InstanceID: instanceID, Model: model, Status: "failed", Done: true, Error: "stream ended without success"})
		return
	}

	p.markReady(ctx, client, instanceID, model, lastDigest)
}

// markReady backfills size/digest/modified_at via the follow-up
// inspect call (§4.7 step 3, §9) and flips the record to ready.
func (p *Puller) markReady(ctx context.Context, client *ollamaclient.Client, instanceID uuid.UUID, model, digest string) {
	rec := &models.OllamaModel{InstanceID: instanceID, Name: model, Status: models.ModelReady, Digest: digest, ModifiedAt: time.Now().UTC()}

	ictx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	tags, err := client.Tags(ictx)
	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"instance": instanceID, "model": model}).
			Warn("puller: follow-up inspect failed, recording ready with stream-reported fields only")
	} else {
		for _, t := range tags.Models {
			if t.Name != model {
				continue
			}
			rec.Size = t.Size
			if t.Digest != "" {
				rec.Digest = t.Digest
			}
			if !t.ModifiedAt.IsZero() {
				rec.ModifiedAt = t.ModifiedAt
			}
			break
		}
	}

	if err := p.models.Upsert(ctx, rec); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"instance": instanceID, "model": model}).
			Warn("puller: failed to record ready status")
	}
}

func (p *Puller) markFailed(ctx context.Context, instanceID uuid.UUID, model string) {
	rec := &models.OllamaModel{InstanceID: instanceID, Name: model, Status: models.ModelFailed}
	if err := p.models.Upsert(ctx, rec); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"instance": instanceID, "model": model}).
			Warn("puller: failed to record failed status")
	}
}

// deliver sends ev without blocking forever on an abandoned channel:
// the HTTP handler closing its side (subscriber gone) must never wedge
// the producer goroutine.
func (p *Puller) deliver(events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-time.After(5 * time.Second):
		p.log.WithFields(logrus.Fields{"instance": ev.InstanceID, "model": ev.Model}).
			Warn("puller: dropped progress event, subscriber not draining")
	}
}

// Delete removes model from the instance at baseURL and its Model
// Record (§4.7 "Delete-model").
func (p *Puller) Delete(ctx context.Context, instanceID uuid.UUID, baseURL, model string) error {
	client := ollamaclient.New(baseURL)
	if err := client.Delete(ctx, model); err != nil {
		return fmt.Errorf("failed to delete model %q: %w", model, err)
	}
	return p.models.Delete(ctx, instanceID, model)
}
