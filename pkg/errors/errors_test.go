// Copyright 2026 CasareRPA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil, msg) should return nil")
	}
	err := errors.New("base")
	wrapped := Wrap(err, "context")
	if wrapped == nil {
		t.Fatal("Wrap(err, msg) should not return nil")
	}
	if !errors.Is(wrapped, err) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain error should have empty kind")
	}
	err := E(KindWorkerLost, "robot gone")
	if KindOf(err) != KindWorkerLost {
		t.Errorf("expected worker_lost, got %s", KindOf(err))
	}
	wrapped := Wrap(err, "while dispatching")
	if KindOf(wrapped) != KindWorkerLost {
		t.Error("Kind should survive Wrap")
	}
}

func TestWithKind(t *testing.T) {
	if WithKind(KindTransient, nil, "msg") != nil {
		t.Error("WithKind(nil) should return nil")
	}
	base := errors.New("connection reset")
	err := WithKind(KindTransient, base, "store write")
	if !errors.Is(err, base) {
		t.Error("WithKind should unwrap to base")
	}
	if KindOf(err) != KindTransient {
		t.Errorf("expected transient, got %s", KindOf(err))
	}
}

func TestRetriable(t *testing.T) {
	cases := map[Kind]bool{
		KindTimeout:         true,
		KindWorkerLost:      true,
		KindTransient:       true,
		KindInvalid:         false,
		KindDuplicate:       false,
		KindNotFound:        false,
		KindCancelled:       false,
		KindFatal:           false,
		KindStaleTransition: false,
	}
	for kind, want := range cases {
		if got := Retriable(kind); got != want {
			t.Errorf("Retriable(%s) = %v, want %v", kind, got, want)
		}
	}
}

func TestSentinels(t *testing.T) {
	if !errors.Is(ErrNotFound, ErrNotFound) {
		t.Error("ErrNotFound should be Is ErrNotFound")
	}
	if !errors.Is(ErrInvalidArg, ErrInvalidArg) {
		t.Error("ErrInvalidArg should be Is ErrInvalidArg")
	}
}
