// Package influxx writes delivery-funnel time series: one point per failed
// tracking update, tagged by tenant and carrier, consumed by the ops
// dashboards. Writes are blocking; the consumer treats failures as
// non-fatal telemetry loss.
package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"shipping-ndr-rto-resolution-system/shared/config"
)

type Client struct {
	client influxdb2.Client
	org    string
	bucket string
}

func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required")
	}
	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS))
	return &Client{
		client: influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts),
		org:    cfg.InfluxOrg,
		bucket: cfg.InfluxBucket,
	}, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	point := influxdb2.NewPoint(measurement, tags, fields, ts)
	return c.client.WriteAPIBlocking(c.org, c.bucket).WritePoint(ctx, point)
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
