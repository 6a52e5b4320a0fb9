package updates

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/meterflow/internal/models"
	"github.com/tejusbharadwaj/meterflow/internal/storage"
	"github.com/tejusbharadwaj/meterflow/internal/worker"
)

// Publisher uploads manifests. A manifest whose upload keeps failing is
// dropped: the next run's gap detection regenerates its objects.
type Publisher struct {
	store storage.Storage
	retry worker.RetryPolicy
	log   *logrus.Entry
}

func NewPublisher(store storage.Storage, retry worker.RetryPolicy, log *logrus.Entry) *Publisher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{store: store, retry: retry, log: log}
}

// Publish uploads every manifest and returns the uploaded refs and the
// number of dropped manifests.
func (p *Publisher) Publish(ctx context.Context, manifests []models.Manifest) ([]models.ManifestRef, int) {
	var (
		refs   []models.ManifestRef
		failed int
	)
	for _, m := range manifests {
		if err := p.upload(ctx, m); err != nil {
			failed++
			p.log.WithFields(logrus.Fields{
				"manifest": m.Ref().String(),
				"files":    len(m.Body.Files),
			}).WithError(err).Error("Failed to upload update manifest, dropping it")
			continue
		}
		refs = append(refs, m.Ref())
	}
	return refs, failed
}

func (p *Publisher) upload(ctx context.Context, m models.Manifest) error {
	body, err := json.Marshal(m.Body)
	if err != nil {
		return worker.Permanent(err)
	}
	ref := m.Ref()
	return worker.Retry(ctx, p.retry, func(int) error {
		return p.store.Put(ctx, ref.Bucket, ref.Key(), body)
	})
}

// Decode parses a manifest body.
func Decode(body []byte) (models.ManifestBody, error) {
	var mb models.ManifestBody
	err := json.Unmarshal(body, &mb)
	return mb, err
}
