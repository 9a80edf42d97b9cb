package sink

import (
	"bytes"
	"strings"
	"testing"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/adstap/pkg/models"
	"github.com/ajitpratap0/adstap/pkg/tap"
)

func TestJSONLSink_MessageOrderAndShape(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLSink(&buf)

	schema := &models.Schema{
		Name:           "adsets",
		PrimaryKeys:    []string{"id"},
		ReplicationKey: "updated_time",
		Fields:         []models.Field{{Name: "id", Type: "string", Nullable: true}},
	}
	require.NoError(t, s.WriteSchema(schema))
	require.NoError(t, s.WriteRecord(models.NewRecord("adsets", "123", map[string]interface{}{"id": "s1"})))
	require.NoError(t, s.WriteState(tap.Bookmarks{"adsets": {"123": "2017-03-05T10:00:00Z"}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var first map[string]interface{}
	require.NoError(t, gojson.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "SCHEMA", first["type"])
	assert.Equal(t, "adsets", first["stream"])
	assert.Equal(t, []interface{}{"id"}, first["key_properties"])
	assert.Equal(t, []interface{}{"updated_time"}, first["bookmark_properties"])

	var second map[string]interface{}
	require.NoError(t, gojson.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "RECORD", second["type"])
	assert.Equal(t, map[string]interface{}{"id": "s1"}, second["record"])

	var third map[string]interface{}
	require.NoError(t, gojson.Unmarshal([]byte(lines[2]), &third))
	assert.Equal(t, "STATE", third["type"])
	value := third["value"].(map[string]interface{})
	bookmarks := value["bookmarks"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"123": "2017-03-05T10:00:00Z"}, bookmarks["adsets"])
}

func TestJSONLSink_FullRefreshSchemaOmitsBookmarkProperties(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONLSink(&buf)

	require.NoError(t, s.WriteSchema(&models.Schema{Name: "adcreative", PrimaryKeys: []string{"id"}}))

	var msg map[string]interface{}
	require.NoError(t, gojson.Unmarshal(buf.Bytes(), &msg))
	_, present := msg["bookmark_properties"]
	assert.False(t, present)
}
