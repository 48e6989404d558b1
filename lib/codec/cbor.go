// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR wire codec used for change
// notification payloads on the bus. Encoding is Core Deterministic
// (RFC 8949 §4.2) so that the same logical payload always produces
// identical bytes; decoding ignores unknown fields for forward
// compatibility with newer notification producers.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Notification payloads only ever use string map keys. When
		// decoding into an any-typed target, produce map[string]any
		// rather than the CBOR default map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
