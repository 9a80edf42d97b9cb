package tap

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/adstap/pkg/config"
	"github.com/ajitpratap0/adstap/pkg/errors"
	"github.com/ajitpratap0/adstap/pkg/fbapi"
	"github.com/ajitpratap0/adstap/pkg/logger"
)

// Runner orchestrates a sync: it validates the selection, performs the
// account handshake, then runs each selected stream sequentially against
// the sink. One stream, and within insights one job, is in flight at a time.
type Runner struct {
	cfg    *config.Config
	client *fbapi.Client
	store  *BookmarkStore
	sink   Sink
	logger *zap.Logger
}

// NewRunner creates a sync runner over persisted state.
func NewRunner(cfg *config.Config, client *fbapi.Client, state Bookmarks, sink Sink) *Runner {
	return &Runner{
		cfg:    cfg,
		client: client,
		store:  NewBookmarkStore(state, cfg.Start()),
		sink:   sink,
		logger: logger.With(zap.String("component", "runner")),
	}
}

// Run executes the sync. Any returned error is terminal; a best-effort state
// write has already been attempted by then, so the next invocation resumes
// near the failure point rather than from the configured start date.
func (r *Runner) Run(ctx context.Context) error {
	streams, err := r.buildStreams()
	if err != nil {
		return err
	}

	if err := r.verifyAccount(ctx); err != nil {
		return err
	}

	emit := func(ev Event) error {
		if ev.Record != nil {
			return r.sink.WriteRecord(ev.Record)
		}
		return r.sink.WriteState(ev.State)
	}

	for _, stream := range streams {
		desc := stream.Descriptor()
		r.logger.Info("syncing stream", zap.String("stream", desc.Name))

		if err := r.sink.WriteSchema(desc.Schema(r.selectedFields(desc))); err != nil {
			return err
		}
		if err := stream.Sync(ctx, emit); err != nil {
			r.checkpoint()
			r.logger.Error("stream sync failed",
				zap.String("stream", desc.Name),
				zap.Error(err))
			return err
		}
	}

	return r.sink.WriteState(r.store.Snapshot())
}

// buildStreams validates the configured selection against the catalog and
// instantiates the selected streams in name order. An unknown stream name is
// a configuration error raised before any network call.
func (r *Runner) buildStreams() ([]Stream, error) {
	catalog := Catalog()

	names := r.cfg.SelectedStreams()
	sort.Strings(names)

	end, hasEnd := r.cfg.End()

	var streams []Stream
	for _, name := range names {
		desc, ok := catalog[name]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig, "unknown stream %q", name)
		}

		selected := r.cfg.Streams[name]
		if strings.HasPrefix(name, "ads_insights") {
			streams = append(streams, NewInsightsStream(r.client, r.store, r.cfg.AccountID,
				desc, selected, r.cfg.InsightsBufferDays, end, hasEnd))
		} else {
			streams = append(streams, NewEntityStream(r.client, r.store, r.cfg.AccountID,
				desc, selected))
		}
	}
	return streams, nil
}

// verifyAccount confirms the token can see the configured ad account.
func (r *Runner) verifyAccount(ctx context.Context) error {
	accounts, err := r.client.ListAdAccounts(ctx)
	if err != nil {
		return err
	}

	for _, account := range accounts {
		if id, _ := account["account_id"].(string); id == r.cfg.AccountID {
			r.logger.Info("ad account verified",
				zap.String("account_id", r.cfg.AccountID))
			return nil
		}
	}
	return errors.Newf(errors.ErrorTypeConfig,
		"ad account %s is not visible to the provided access token", r.cfg.AccountID)
}

// selectedFields resolves a stream's effective field list for its schema.
func (r *Runner) selectedFields(desc Descriptor) []string {
	selected := r.cfg.Streams[desc.Name]
	if len(selected) == 0 {
		selected = desc.DefaultFields
	}
	return withAutomaticFields(desc, selected)
}

// checkpoint performs the best-effort state write on the failure path.
func (r *Runner) checkpoint() {
	if err := r.sink.WriteState(r.store.Snapshot()); err != nil {
		r.logger.Warn("best-effort state write failed", zap.Error(err))
	}
}
