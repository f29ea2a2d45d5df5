package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/recordflow/recordflow/internal/ingestfn"
)

var (
	fn      *ingestfn.Function
	once    sync.Once
	initErr error
)

func init() {
	log.SetFormatter(&log.JSONFormatter{})
	functions.CloudEvent("IngestObject", ingestObject)
}

// main is required by the Go Functions Framework.
func main() {}

// ingestObject handles a GCS object-finalize CloudEvent by loading the
// object's records into the configured content store.
func ingestObject(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		fn, initErr = ingestfn.NewFunction(context.Background())
	})
	if initErr != nil {
		log.WithError(initErr).Error("function initialization failed")
		return initErr
	}

	var gcsEvent ingestfn.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		log.WithError(err).WithField("data", string(e.Data())).Error("bad event payload")
		return errors.Wrap(err, "unmarshalling event data")
	}
	return fn.Process(ctx, gcsEvent)
}
