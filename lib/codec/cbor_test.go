// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package codec_test

import (
	"bytes"
	"testing"

	"github.com/copsehq/copse/lib/codec"
)

type envelope struct {
	BatchID string  `cbor:"batch_id"`
	Kinds   []int64 `cbor:"kinds"`
}

func TestRoundTrip(t *testing.T) {
	original := envelope{BatchID: "b-17", Kinds: []int64{1, 2, 3}}
	data, err := codec.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded envelope
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.BatchID != original.BatchID || len(decoded.Kinds) != 3 {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	value := map[string]int{"zebra": 1, "apple": 2, "mango": 3}
	first, err := codec.Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	second, err := codec.Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("repeated marshals of the same map differ")
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	data, err := codec.Marshal(map[string]any{
		"batch_id": "b-1",
		"kinds":    []int64{4},
		"future":   "field from a newer producer",
	})
	if err != nil {
		t.Fatal(err)
	}
	var decoded envelope
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.BatchID != "b-1" {
		t.Errorf("BatchID = %q, want b-1", decoded.BatchID)
	}
}

func TestDefaultMapType(t *testing.T) {
	data, err := codec.Marshal(map[string]string{"key": "value"})
	if err != nil {
		t.Fatal(err)
	}
	var decoded any
	if err := codec.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	asMap, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if asMap["key"] != "value" {
		t.Errorf("decoded = %v", asMap)
	}
}
