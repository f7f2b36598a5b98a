package bigquery

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/Genocs/genocs-library-template/pkg/config"
)

func TestIdentifiers(t *testing.T) {
	project, dataset, table, err := identifiers(
		config.GCPConfig{ProjectID: " genocs "},
		config.BigQueryConfig{Dataset: "orders", OrdersTable: " order_submitted_events "},
	)
	require.NoError(t, err)
	assert.Equal(t, "genocs", project)
	assert.Equal(t, "orders", dataset)
	assert.Equal(t, "order_submitted_events", table)
}

func TestClientOptions(t *testing.T) {
	assert.Len(t, clientOptions(config.GCPConfig{
		CredentialsJSON:        `{"dummy": "value"}`,
		ApplicationCredentials: "/tmp/creds",
	}), 1)
	assert.Len(t, clientOptions(config.GCPConfig{ApplicationCredentials: "/tmp/creds"}), 1)
	assert.Empty(t, clientOptions(config.GCPConfig{}))
}

func TestNewClientValidatesConfig(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, config.GCPConfig{}, config.BigQueryConfig{Dataset: "orders", OrdersTable: "t"}, nil)
	assert.ErrorIs(t, err, errProjectIDRequired)

	_, err = NewClient(ctx, config.GCPConfig{ProjectID: "p"}, config.BigQueryConfig{OrdersTable: "t"}, nil)
	assert.ErrorIs(t, err, errDatasetRequired)

	_, err = NewClient(ctx, config.GCPConfig{ProjectID: "p"}, config.BigQueryConfig{Dataset: "orders"}, nil)
	assert.ErrorIs(t, err, errTableNameRequired)
}

func TestNilClient(t *testing.T) {
	var c *Client
	assert.ErrorIs(t, c.Ping(context.Background()), errClientNotInitialized)
	assert.ErrorIs(t, c.Put(context.Background(), []bigquery.ValueSaver{&bigquery.StructSaver{}}), errClientNotInitialized)
	assert.NoError(t, c.Close())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusNotFound})))
	assert.False(t, isNotFound(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isNotFound(fmt.Errorf("plain")))
}
