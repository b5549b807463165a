// sweeplogger follows the reflectd websocket feed and writes every
// sweep record to InfluxDB. It reconnects forever, so it can be left
// running across bench sessions.
package main

import (
	"log"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"

	"github.com/mbiselx/reflectance-measure/internal/config"
	"github.com/mbiselx/reflectance-measure/sweep"
)

// message mirrors the daemon's websocket envelope. Status pushes are
// skipped; only records are logged.
type message struct {
	Type   string        `json:"type"`
	Record *sweep.Record `json:"record"`
}

func main() {
	cfg := config.Load()
	// Create client
	client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(cfg.InfluxOrg, cfg.InfluxBucket)
	defer writeApi.Close()
	// Get errors channel
	errorsCh := writeApi.Errors()
	// Create go proc for reading and logging errors
	go func() {
		for err := range errorsCh {
			log.Printf("write error: %v", err)
		}
	}()
	for {
		if err := logSweeps(cfg.ReflectdURL, writeApi); err != nil {
			log.Print(err)
		}
		time.Sleep(1 * time.Second)
	}
}

func logSweeps(url string, writeApi api.WriteApi) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("connected to %s", url)
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type != "record" || msg.Record == nil {
			continue
		}
		rec := msg.Record
		p := influxdb2.NewPoint("reflectance.sweep",
			map[string]string{"status": rec.Status.String()},
			map[string]interface{}{
				"angle":        rec.Angle,
				"device_angle": rec.DeviceAngle,
				"value":        rec.Value,
				"samples":      len(rec.Samples),
				"index":        rec.Index,
			},
			rec.Time,
		)
		// write asynchronously
		writeApi.WritePoint(p)
	}
}
