// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package shadow

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/canopy/iot"
)

// Object is a JSON object tree. Numbers are json.Number. Objects handed out by the
// engine are shared between snapshots and must not be modified.
type Object = map[string]interface{}

// UpdateDocument is the wire format of a shadow update:
//
//	{"state": {"reported": {...}, "desired": {...}}}
//
// Either part may be missing. A part which is null resets that side to {}.
type UpdateDocument struct {
	State struct {
		Reported json.RawMessage `json:"reported,omitempty"`
		Desired  json.RawMessage `json:"desired,omitempty"`
	} `json:"state"`
}

// Patch is a parsed update. A nil side is left alone, Reset clears a side before
// merging.
type Patch struct {
	Reported      Object
	Desired       Object
	ResetReported bool
	ResetDesired  bool
}

// Empty is true if the patch changes nothing
func (p *Patch) Empty() bool {
	return p.Reported == nil && p.Desired == nil && !p.ResetReported && !p.ResetDesired
}

// decode parses JSON with numbers kept as json.Number
func decode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// ParseObject parses a JSON object. Anything else fails with iot.ErrMalformedPatch.
func ParseObject(data []byte) (Object, error) {
	var v interface{}
	if err := decode(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", iot.ErrMalformedPatch, err)
	}
	obj, ok := v.(Object)
	if !ok {
		return nil, fmt.Errorf("%w: not a JSON object", iot.ErrMalformedPatch)
	}
	return obj, nil
}

// ParseUpdate parses an update document
func ParseUpdate(data []byte) (*Patch, error) {
	var doc UpdateDocument
	if err := decode(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", iot.ErrMalformedPatch, err)
	}
	patch := &Patch{}
	var err error
	patch.Reported, patch.ResetReported, err = parseSide(doc.State.Reported)
	if err != nil {
		return nil, fmt.Errorf("reported: %w", err)
	}
	patch.Desired, patch.ResetDesired, err = parseSide(doc.State.Desired)
	if err != nil {
		return nil, fmt.Errorf("desired: %w", err)
	}
	if patch.Empty() {
		return nil, fmt.Errorf("%w: neither reported nor desired state", iot.ErrMalformedPatch)
	}
	return patch, nil
}

func parseSide(raw json.RawMessage) (Object, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, true, nil
	}
	obj, err := ParseObject(trimmed)
	return obj, false, err
}

// Merge returns the result of merging patch into state. A null value deletes its key,
// objects merge recursively, everything else replaces the old value. Neither argument
// is modified; unchanged subtrees of state are shared with the result.
func Merge(state, patch Object) Object {
	result := make(Object, len(state)+len(patch))
	for k, v := range state {
		result[k] = v
	}
	for k, pv := range patch {
		if pv == nil {
			delete(result, k)
			continue
		}
		if po, ok := pv.(Object); ok {
			so, _ := result[k].(Object)
			result[k] = Merge(so, po)
			continue
		}
		result[k] = pv
	}
	return result
}

// MergeMetadata returns metadata updated for patch: every leaf touched by patch gets
// timestamp, deleted keys lose their metadata.
func MergeMetadata(metadata, patch Object, timestamp int64) Object {
	result := make(Object, len(metadata)+len(patch))
	for k, v := range metadata {
		result[k] = v
	}
	for k, pv := range patch {
		if pv == nil {
			delete(result, k)
			continue
		}
		if po, ok := pv.(Object); ok {
			mo, _ := result[k].(Object)
			result[k] = MergeMetadata(mo, po, timestamp)
			continue
		}
		result[k] = json.Number(fmt.Sprint(timestamp))
	}
	return result
}

// Delta returns the part of desired which is not reflected in reported. Only keys of
// desired are considered; a key is in the delta if reported lacks it or has a
// different value. Nested objects are compared key by key.
func Delta(reported, desired Object) Object {
	delta := Object{}
	for k, dv := range desired {
		rv, ok := reported[k]
		if do, isObj := dv.(Object); isObj {
			if ro, ok := rv.(Object); ok {
				if sub := Delta(ro, do); len(sub) > 0 {
					delta[k] = sub
				}
				continue
			}
		}
		if !ok || !Equal(rv, dv) {
			delta[k] = dv
		}
	}
	return delta
}

// Equal compares two JSON values. Numbers are equal if they have the same value,
// regardless of their notation.
func Equal(a, b interface{}) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case json.Number:
		bv, ok := b.(json.Number)
		return ok && numbersEqual(av, bv)
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

func numbersEqual(a, b json.Number) bool {
	if a == b {
		return true
	}
	x, ok := new(big.Float).SetString(string(a))
	if !ok {
		return false
	}
	y, ok := new(big.Float).SetString(string(b))
	if !ok {
		return false
	}
	return x.Cmp(y) == 0
}

func marshalObject(o Object) json.RawMessage {
	if o == nil {
		o = Object{}
	}
	data, err := json.Marshal(o)
	if err != nil {
		// cannot happen for trees produced by decode
		panic(err)
	}
	return data
}
