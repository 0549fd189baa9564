package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(EventRecord, Record{
		RecordingUUID: "r1",
		Duration:      60,
		Channels:      1,
		SampleRate:    16000,
		BitDepth:      16,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != EventRecord {
		t.Fatalf("unexpected type: %s", env.Type)
	}

	var cmd Record
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if cmd.RecordingUUID != "r1" || cmd.Duration != 60 {
		t.Fatalf("unexpected payload: %+v", cmd)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for envelope without type")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

// Field names are part of the deployed agent contract; renaming a Go field
// must not change the wire form.
func TestWireFieldNamesAreStable(t *testing.T) {
	raw, err := json.Marshal(RecordingCompleted{
		DeviceID:       "d1",
		RecordingUUID:  "r1",
		Filename:       "r1.wav",
		FileSize:       1920044,
		FileHash:       "abc",
		ActualDuration: 60.0,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"device_id", "recording_uuid", "filename", "file_size", "file_hash", "actual_duration"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing wire field %q in %s", key, raw)
		}
	}
}
