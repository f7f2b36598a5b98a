// Package bigquery streams submitted orders into the analytics table.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/logger"
)

const metadataCheckTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery table name is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// Client is bound to the orders table of the configured dataset.
type Client struct {
	client *bigquery.Client
	table  *bigquery.Table
}

// NewClient connects and fails fast when the dataset or table is missing.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID, datasetID, tableID, err := identifiers(gcp, cfg)
	if err != nil {
		return nil, err
	}

	bq, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	client := &Client{client: bq, table: bq.Dataset(datasetID).Table(tableID)}

	if err := client.Ping(ctx); err != nil {
		_ = bq.Close()
		return nil, err
	}

	logg.Info(logg.WithFields(ctx, map[string]any{
		"dataset": datasetID,
		"table":   tableID,
	}), "bigquery client initialized")
	return client, nil
}

func identifiers(gcp config.GCPConfig, cfg config.BigQueryConfig) (project, dataset, table string, err error) {
	if project = strings.TrimSpace(gcp.ProjectID); project == "" {
		return "", "", "", errProjectIDRequired
	}
	if dataset = strings.TrimSpace(cfg.Dataset); dataset == "" {
		return "", "", "", errDatasetRequired
	}
	if table = strings.TrimSpace(cfg.OrdersTable); table == "" {
		return "", "", "", errTableNameRequired
	}
	return project, dataset, table, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

// Ping reads the table metadata, which also proves the dataset exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.table == nil {
		return errClientNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()

	if _, err := c.table.Metadata(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("table %s.%s does not exist", c.table.DatasetID, c.table.TableID)
		}
		return fmt.Errorf("checking table %s.%s: %w", c.table.DatasetID, c.table.TableID, err)
	}
	return nil
}

// Put streams rows. Rows carrying an insert id are deduplicated by BigQuery on
// a best-effort basis.
func (c *Client) Put(ctx context.Context, rows []bigquery.ValueSaver) error {
	if c == nil || c.table == nil {
		return errClientNotInitialized
	}
	if len(rows) == 0 {
		return nil
	}
	if err := c.table.Inserter().Put(ctx, rows); err != nil {
		return fmt.Errorf("inserting into %s: %w", c.table.TableID, err)
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
