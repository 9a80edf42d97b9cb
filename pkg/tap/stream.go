package tap

import (
	"context"

	"github.com/ajitpratap0/adstap/pkg/models"
)

// Event is one output of a stream's sync: either a record or a state
// snapshot, never both. Events are consumed strictly in the order produced,
// so a state snapshot summarizes exactly the records emitted before it.
type Event struct {
	Record *models.Record
	State  Bookmarks
}

// Emitter delivers one event downstream. A non-nil error aborts the sync.
type Emitter func(Event) error

// Stream is a single extractable dataset.
type Stream interface {
	// Descriptor reports the stream's identity and key structure.
	Descriptor() Descriptor
	// Sync extracts the stream, emitting records and state snapshots in
	// order. Any returned error is terminal for the run.
	Sync(ctx context.Context, emit Emitter) error
}

// Sink receives the tap's output. WriteSchema is called once per stream
// before its first record. Implementations must preserve call order: a state
// write must land after every record written before it.
type Sink interface {
	WriteSchema(schema *models.Schema) error
	WriteRecord(record *models.Record) error
	WriteState(state Bookmarks) error
}

// Descriptor names a stream and its key structure.
type Descriptor struct {
	Name           string   `json:"name"`
	PrimaryKeys    []string `json:"primary_keys"`
	ReplicationKey string   `json:"replication_key,omitempty"`
	Breakdowns     []string `json:"breakdowns,omitempty"`
	DefaultFields  []string `json:"default_fields"`
}

// Schema renders the descriptor as the sink-facing schema for the given
// field selection.
func (d Descriptor) Schema(fields []string) *models.Schema {
	schema := &models.Schema{
		Name:           d.Name,
		PrimaryKeys:    d.PrimaryKeys,
		ReplicationKey: d.ReplicationKey,
	}
	for _, f := range fields {
		schema.Fields = append(schema.Fields, models.Field{Name: f, Type: "string", Nullable: true})
	}
	return schema
}

// replicationKeyUpdatedTime is the entity replication key.
const replicationKeyUpdatedTime = "updated_time"

// insightsPrimaryKeys are the base insights keys; breakdown fields are
// appended per variant.
var insightsPrimaryKeys = []string{"campaign_id", "adset_id", "ad_id", "date_start"}

// invalidInsightsFields are breakdown dimensions the report endpoint rejects
// inside the fields parameter. They stay out of the projection but remain
// primary-key components of the emitted rows.
var invalidInsightsFields = map[string]bool{
	"age":                true,
	"gender":             true,
	"country":            true,
	"publisher_platform": true,
	"platform_position":  true,
	"impression_device":  true,
	"placement":          true,
	"region":             true,
	"dma":                true,
}

var defaultInsightsFields = []string{
	"account_id", "campaign_id", "adset_id", "ad_id",
	"date_start", "date_stop",
	"impressions", "clicks", "unique_clicks", "spend", "reach", "frequency",
	"cpc", "cpm", "cpp", "ctr",
	"actions", "action_values",
}

var defaultActionBreakdowns = []string{"action_type", "action_target_id", "action_destination"}

var defaultAttributionWindows = []string{
	"1d_click", "7d_click", "28d_click",
	"1d_view", "7d_view", "28d_view",
}

// Catalog returns every stream the tap knows how to extract, keyed by name.
func Catalog() map[string]Descriptor {
	catalog := map[string]Descriptor{
		"campaigns": {
			Name:        "campaigns",
			PrimaryKeys: []string{"id"},
			DefaultFields: []string{
				"id", "account_id", "name", "objective", "effective_status",
				"buying_type", "start_time", "stop_time", "updated_time", "ads",
			},
		},
		"adsets": {
			Name:           "adsets",
			PrimaryKeys:    []string{"id"},
			ReplicationKey: replicationKeyUpdatedTime,
			DefaultFields: []string{
				"id", "account_id", "campaign_id", "name", "effective_status",
				"daily_budget", "budget_remaining", "start_time", "end_time",
				"created_time", "updated_time",
			},
		},
		"ads": {
			Name:           "ads",
			PrimaryKeys:    []string{"id"},
			ReplicationKey: replicationKeyUpdatedTime,
			DefaultFields: []string{
				"id", "account_id", "campaign_id", "adset_id", "name",
				"effective_status", "creative", "created_time", "updated_time",
			},
		},
		"adcreative": {
			Name:        "adcreative",
			PrimaryKeys: []string{"id"},
			DefaultFields: []string{
				"id", "account_id", "name", "title", "body",
				"object_story_id", "status",
			},
		},
	}

	for _, variant := range []struct {
		name       string
		breakdowns []string
	}{
		{"ads_insights", nil},
		{"ads_insights_age_and_gender", []string{"age", "gender"}},
		{"ads_insights_country", []string{"country"}},
		{"ads_insights_platform_and_device", []string{"publisher_platform", "platform_position", "impression_device"}},
		{"ads_insights_region", []string{"region"}},
		{"ads_insights_dma", []string{"dma"}},
	} {
		pks := append([]string{}, insightsPrimaryKeys...)
		pks = append(pks, variant.breakdowns...)
		catalog[variant.name] = Descriptor{
			Name:           variant.name,
			PrimaryKeys:    pks,
			ReplicationKey: "date_start",
			Breakdowns:     variant.breakdowns,
			DefaultFields:  defaultInsightsFields,
		}
	}

	return catalog
}
