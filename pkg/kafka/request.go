// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package kafka

import (
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// ErrUnsupportedAPI is returned for request keys the broker does not serve.
var ErrUnsupportedAPI = errors.New("unsupported api key")

// ErrUnsupportedVersion is returned for a served key at a version outside its range.
var ErrUnsupportedVersion = errors.New("unsupported api version")

type versionRange struct {
	min, max int16
}

// supportedAPIs lists what ApiVersions advertises.
var supportedAPIs = map[kmsg.Key]versionRange{
	kmsg.Produce:      {min: 3, max: 9},
	kmsg.Fetch:        {min: 4, max: 12},
	kmsg.ListOffsets:  {min: 1, max: 7},
	kmsg.Metadata:     {min: 1, max: 12},
	kmsg.ApiVersions:  {min: 0, max: 3},
	kmsg.CreateTopics: {min: 2, max: 7},
	kmsg.DeleteTopics: {min: 1, max: 5},
}

// RequestHeader is the decoded request header.
type RequestHeader struct {
	APIKey        int16
	APIVersion    int16
	CorrelationID int32
	ClientID      *string
}

// Client returns the client id or an empty string.
func (h *RequestHeader) Client() string {
	if h.ClientID == nil {
		return ""
	}
	return *h.ClientID
}

// ParseRequest decodes the header and body of a request frame. An
// ApiVersions request at an unknown version is returned undecoded so the
// broker can answer with the versions it supports.
func ParseRequest(payload []byte) (*RequestHeader, kmsg.Request, error) {
	reader := kbin.Reader{Src: payload}
	header := &RequestHeader{
		APIKey:        reader.Int16(),
		APIVersion:    reader.Int16(),
		CorrelationID: reader.Int32(),
		ClientID:      reader.NullableString(),
	}
	if err := reader.Complete(); err != nil {
		return nil, nil, fmt.Errorf("parse request header: %w", err)
	}
	key := kmsg.Key(header.APIKey)
	versions, ok := supportedAPIs[key]
	if !ok {
		return header, nil, fmt.Errorf("%w: %d", ErrUnsupportedAPI, header.APIKey)
	}
	req := kmsg.RequestForKey(header.APIKey)
	if header.APIVersion < versions.min || header.APIVersion > versions.max {
		if key == kmsg.ApiVersions {
			return header, req, nil
		}
		return header, nil, fmt.Errorf("%w: %s v%d", ErrUnsupportedVersion, kmsg.NameForKey(header.APIKey), header.APIVersion)
	}
	req.SetVersion(header.APIVersion)
	if req.IsFlexible() {
		kmsg.SkipTags(&reader)
	}
	if err := reader.Complete(); err != nil {
		return nil, nil, fmt.Errorf("parse request header tags: %w", err)
	}
	if err := req.ReadFrom(reader.Src); err != nil {
		return header, nil, fmt.Errorf("parse %s v%d: %w", kmsg.NameForKey(header.APIKey), header.APIVersion, err)
	}
	return header, req, nil
}

// EncodeResponse serializes resp for correlationID. Flexible responses carry
// an empty header tag buffer, except ApiVersions which never does.
func EncodeResponse(correlationID int32, resp kmsg.Response) []byte {
	buf := kbin.AppendInt32(nil, correlationID)
	if resp.IsFlexible() && resp.Key() != int16(kmsg.ApiVersions) {
		buf = append(buf, 0)
	}
	return resp.AppendTo(buf)
}
