// Copyright 2023 The acquirecloud Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// The general error kinds any component in the module may return. Client-facing
// services translate these (and only these) into the client-visible failure kinds;
// internal retry/backoff kinds (Paxos rejection, proposal timeout, transport drop)
// never leave the package that produced them.
var (
	ErrExist         = errors.New("already exists")
	ErrNotExist      = errors.New("not found")
	ErrInvalid       = errors.New("invalid value")
	ErrNotAuthorized = errors.New("not authorized")
	ErrInternal      = errors.New("internal error")
	ErrDataLoss      = errors.New("data loss")
	ErrExhausted     = errors.New("resource exhausted")
	ErrUnimplemented = errors.New("not implemented")
	ErrConflict      = errors.New("conflict")
	ErrCanceled      = errors.New("canceled")
	ErrClosed        = errors.New("closed")
	ErrCommunication = errors.New("communication error")

	// ErrNoService is returned to a client request when no leader is known for
	// the addressed quorum, or the lease was lost while the request was queued.
	ErrNoService = errors.New("no service")
	// ErrFailed is returned when a request was rejected by control-plane
	// validation (shard not found, migration in progress, member offline).
	ErrFailed = errors.New("request failed")
	// ErrWrongShard is returned when the addressed key falls outside the
	// target shard's [firstKey, lastKey) range.
	ErrWrongShard = errors.New("wrong shard")
)

// Is reports whether err (or any error it wraps) matches target, the same way
// errors.Is does, but additionally recognizes gRPC status errors whose code
// corresponds to one of the sentinels above via FromGRPCError.
func Is(err, target error) bool {
	if err == nil || target == nil {
		return err == target
	}
	if errors.Is(err, target) {
		return true
	}
	if mapped := FromGRPCError(err); mapped != nil {
		return errors.Is(mapped, target)
	}
	return false
}

const jsonErrorMarker = "\x00json-embed\x00"

// EmbedObject marshals obj to JSON and appends it to baseErr's message, wrapped so
// that Is(embedded, baseErr) still holds and the object can be recovered with
// ExtractObject. Panics if obj is nil or baseErr is nil, or if baseErr already
// carries an embedded object (embedding is not stackable).
func EmbedObject(obj any, baseErr error) error {
	if obj == nil {
		panic("errors.EmbedObject: obj must not be nil")
	}
	if baseErr == nil {
		panic("errors.EmbedObject: baseErr must not be nil")
	}
	if strings.Contains(baseErr.Error(), jsonErrorMarker) {
		panic("errors.EmbedObject: baseErr already carries an embedded object")
	}
	buf, err := json.Marshal(obj)
	if err != nil {
		panic(fmt.Sprintf("errors.EmbedObject: could not marshal object: %v", err))
	}
	return fmt.Errorf("%w: %s%s%s", baseErr, jsonErrorMarker, buf, jsonErrorMarker)
}

// ExtractObject recovers an object embedded with EmbedObject into v (a pointer).
// It returns false if err is nil, carries no embedded object, or the embedded
// JSON does not unmarshal into v.
func ExtractObject(err error, v any) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	first := strings.Index(msg, jsonErrorMarker)
	if first < 0 {
		return false
	}
	rest := msg[first+len(jsonErrorMarker):]
	last := strings.Index(rest, jsonErrorMarker)
	if last < 0 {
		return false
	}
	return json.Unmarshal([]byte(rest[:last]), v) == nil
}
