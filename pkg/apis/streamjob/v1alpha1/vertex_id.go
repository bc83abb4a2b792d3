/*
Copyright 2023 The Streamproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// VertexID identifies one vertex (operator/task stage) of a streaming
// job's execution graph. The canonical form is 32 lowercase hex characters.
type VertexID string

// NewVertexID generates a random VertexID in canonical form.
func NewVertexID() VertexID {
	u := uuid.New()
	return VertexID(hex.EncodeToString(u[:]))
}

// VertexIDFromHexString validates s and returns it as a VertexID.
func VertexIDFromHexString(s string) (VertexID, error) {
	s = strings.ToLower(s)
	if len(s) != 32 {
		return "", fmt.Errorf("invalid vertex id %q, expected 32 hex characters", s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid vertex id %q, %w", s, err)
	}
	return VertexID(s), nil
}

func (v VertexID) String() string {
	return string(v)
}
