package debug

import (
	"bufio"
	"os"
	"testing"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/aquaflush/gatt"
	"github.com/user/aquaflush/protocol"
)

func readTrace(t *testing.T, path string) []*structpb.Struct {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open trace failed: %v", err)
	}
	defer f.Close()

	var records []*structpb.Struct
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var s structpb.Struct
		if err := protojson.Unmarshal(scanner.Bytes(), &s); err != nil {
			t.Fatalf("Bad trace line %q: %v", scanner.Text(), err)
		}
		records = append(records, &s)
	}
	return records
}

func TestTracer_WritesOperations(t *testing.T) {
	tracer := NewTracer(t.TempDir(), true)

	p := gatt.NewPeripheral("dev", "Dev")
	p.SetObserver(tracer)
	svc, _ := p.AddService(protocol.ServiceUUID)
	c, _ := svc.AddCharacteristic(protocol.ValveControlUUID, gatt.Readable|gatt.WritableWithResponse, nil)

	c.Write([]byte(`{"valve":1,"action":"OFF"}`), gatt.WithResponse)
	c.Write([]byte("x"), gatt.WithoutResponse) // rejected

	records := readTrace(t, tracer.Path())
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}

	first := records[0].AsMap()
	if first["operation"] != "write" || first["characteristic"] != "valve-control" {
		t.Errorf("Unexpected first record: %v", first)
	}
	if first["data_text"] != `{"valve":1,"action":"OFF"}` {
		t.Errorf("Unexpected data_text: %v", first["data_text"])
	}
	if first["session"] != tracer.Session() {
		t.Errorf("Missing session id")
	}

	second := records[1].AsMap()
	if second["operation"] != "write_without_response" || second["error"] == nil {
		t.Errorf("Rejected write should carry an error: %v", second)
	}
}

func TestTracer_Disabled(t *testing.T) {
	tracer := NewTracer(t.TempDir(), false)
	if tracer.Path() != "" {
		t.Errorf("Disabled tracer should have no path")
	}
	// Must not panic
	tracer.ObserveOperation(gatt.Event{Operation: gatt.OpRead})
}

func TestRecord_BinaryValue(t *testing.T) {
	rec, err := Record(gatt.Event{
		Operation:          gatt.OpNotify,
		CharacteristicUUID: "other",
		Value:              []byte{0xff, 0x00},
	})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	m := rec.AsMap()
	if m["data_hex"] != "ff00" || m["data_len"] != float64(2) {
		t.Errorf("Unexpected binary fields: %v", m)
	}
	if _, ok := m["data_text"]; ok {
		t.Errorf("Binary value should not have data_text")
	}
}
