// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxSink archives chat events as InfluxDB points.
//
// Description:
//
//	Uses the client's non-blocking WriteAPI, which batches points in the
//	background. Write errors are logged from a drain goroutine and never
//	reach the publisher.
//
// Thread Safety: Safe for concurrent use.
type InfluxSink struct {
	client influxdb2.Client
	writer api.WriteAPI
	logger *slog.Logger
	done   chan struct{}
}

// NewInfluxSink connects to serverURL and writes into org/bucket.
func NewInfluxSink(serverURL, token, org, bucket string, logger *slog.Logger) *InfluxSink {
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClientWithOptions(serverURL, token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(1000))
	s := &InfluxSink{
		client: client,
		writer: client.WriteAPI(org, bucket),
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.drainErrors()
	return s
}

// Publish implements Broadcaster.
func (s *InfluxSink) Publish(event string, payload any) {
	if p := eventPoint(event, payload); p != nil {
		s.writer.WritePoint(p)
	}
}

// Close flushes pending points and closes the client.
func (s *InfluxSink) Close() {
	s.writer.Flush()
	s.client.Close()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
	}
}

func (s *InfluxSink) drainErrors() {
	defer close(s.done)
	for err := range s.writer.Errors() {
		s.logger.Warn("influx event write failed", slog.String("error", err.Error()))
	}
}

// eventPoint maps a known payload to a point. Unknown payloads yield nil.
func eventPoint(event string, payload any) *write.Point {
	switch p := payload.(type) {
	case ChatProcessEvent:
		fields := map[string]any{
			"message": p.Message,
		}
		for k, v := range p.Data {
			switch v.(type) {
			case int, int64, float64, bool, string:
				fields["data_"+k] = v
			}
		}
		return influxdb2.NewPoint("chat_process",
			map[string]string{"event": event, "stage": string(p.Stage), "run_id": p.RunID},
			fields, timestampOrNow(p.Timestamp))
	case ActivityStatus:
		return influxdb2.NewPoint("chat_activity",
			map[string]string{"event": event, "run_id": p.RunID},
			map[string]any{"status": p.Status}, timestampOrNow(p.Timestamp))
	default:
		return nil
	}
}

func timestampOrNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}
