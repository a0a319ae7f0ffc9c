// Package debug writes a JSONL trace of GATT operations. Trace files are
// write-only; nothing in the daemon reads them back.
package debug

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/aquaflush/gatt"
	"github.com/user/aquaflush/logger"
	"github.com/user/aquaflush/protocol"
	"github.com/user/aquaflush/util"
)

const traceFile = "gatt_operations.jsonl"

// Tracer records every operation on the peripherals it observes
type Tracer struct {
	dir     string
	session string
	enabled bool
	mu      sync.Mutex
}

// NewTracer creates a tracer writing to dir. A disabled tracer is a no-op
// observer.
func NewTracer(dir string, enabled bool) *Tracer {
	if !enabled {
		return &Tracer{enabled: false}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn("Trace", "Tracing disabled: %v", err)
		return &Tracer{enabled: false}
	}
	return &Tracer{
		dir:     dir,
		session: uuid.New().String(),
		enabled: true,
	}
}

// NewDefaultTracer writes into the data directory's debug folder
func NewDefaultTracer(enabled bool) *Tracer {
	if !enabled {
		return &Tracer{enabled: false}
	}
	return NewTracer(util.GetDebugDir(), true)
}

// Path returns the trace file, or "" when disabled
func (t *Tracer) Path() string {
	if !t.enabled {
		return ""
	}
	return filepath.Join(t.dir, traceFile)
}

// Session identifies this process's records within a shared trace file
func (t *Tracer) Session() string {
	return t.session
}

// ObserveOperation implements gatt.Observer
func (t *Tracer) ObserveOperation(ev gatt.Event) {
	if !t.enabled {
		return
	}

	record, err := Record(ev)
	if err != nil {
		return // Best effort
	}
	record.Fields["session"] = structpb.NewStringValue(t.session)

	line, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(record)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendJSONL(line)
}

// Record converts an event to the structured form written to the trace
func Record(ev gatt.Event) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"timestamp":           time.Now().Format(time.RFC3339Nano),
		"operation":           string(ev.Operation),
		"peripheral_id":       ev.PeripheralID,
		"service_uuid":        ev.ServiceUUID,
		"characteristic_uuid": ev.CharacteristicUUID,
		"characteristic":      protocol.CharacteristicName(ev.CharacteristicUUID),
	}
	if len(ev.Value) > 0 {
		fields["data_len"] = len(ev.Value)
		fields["data_hex"] = hex.EncodeToString(ev.Value)
		if utf8.Valid(ev.Value) {
			fields["data_text"] = string(ev.Value)
		}
	}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}
	return structpb.NewStruct(fields)
}

func (t *Tracer) appendJSONL(line []byte) {
	f, err := os.OpenFile(filepath.Join(t.dir, traceFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return // Silently fail - tracing is best-effort
	}
	defer f.Close()

	f.Write(line)
	f.Write([]byte("\n"))
}
