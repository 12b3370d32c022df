package event

import (
	"encoding/json"
	"strings"
	"time"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/id"
)

// CloudEvents 1.0 projection constants.
const (
	// SpecVersion is the CloudEvents spec version emitted and accepted.
	SpecVersion = "1.0"

	// TypePrefix is prepended to the dotted topic to form the reverse-DNS
	// CloudEvents type ("io.amcp." + topic).
	TypePrefix = "io.amcp."

	// sourceAgentPrefix and sourceContextPrefix form the CloudEvents
	// source URI from the sender AgentID or the hosting context ID.
	sourceAgentPrefix   = "urn:amcp:agent:"
	sourceContextPrefix = "urn:amcp:context:"

	// DefaultContentType is assumed when the metadata carries no
	// content-type.
	DefaultContentType = "application/json"
)

// Well-known CloudEvents extension attributes. All mesh extensions carry
// the "amcp" prefix; any other metadata key with that prefix is projected
// as an extension as well.
const (
	ExtTraceID       = "amcptraceid"
	ExtSpanID        = "amcpspanid"
	ExtCorrelationID = "amcpcorrelationid"
	ExtAuthContext   = "amcpauth"

	// MetaContentType is the metadata key holding the payload content type.
	MetaContentType = "content-type"
)

// CloudEvent is the CloudEvents 1.0 wire form of a mesh event. It is the
// format consumed and produced by agents and observers outside the core
// when an event crosses a context boundary.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Type            string         `json:"type"`
	Time            string         `json:"time,omitempty"`
	DataContentType string         `json:"datacontenttype,omitempty"`
	Data            any            `json:"data,omitempty"`
	Extensions      map[string]string `json:"-"`
}

// MarshalJSON flattens extensions into top-level attributes as required by
// the CloudEvents JSON format.
func (ce CloudEvent) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"specversion": ce.SpecVersion,
		"id":          ce.ID,
		"source":      ce.Source,
		"type":        ce.Type,
	}
	if ce.Time != "" {
		m["time"] = ce.Time
	}
	if ce.DataContentType != "" {
		m["datacontenttype"] = ce.DataContentType
	}
	if ce.Data != nil {
		m["data"] = ce.Data
	}
	for k, v := range ce.Extensions {
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON collects unknown top-level string attributes into
// Extensions.
func (ce *CloudEvent) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	str := func(key string) string {
		var s string
		if raw, ok := m[key]; ok {
			_ = json.Unmarshal(raw, &s)
		}
		return s
	}
	ce.SpecVersion = str("specversion")
	ce.ID = str("id")
	ce.Source = str("source")
	ce.Type = str("type")
	ce.Time = str("time")
	ce.DataContentType = str("datacontenttype")
	if raw, ok := m["data"]; ok {
		if err := json.Unmarshal(raw, &ce.Data); err != nil {
			return err
		}
	}
	ce.Extensions = map[string]string{}
	for k, raw := range m {
		switch k {
		case "specversion", "id", "source", "type", "time", "datacontenttype", "data":
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			ce.Extensions[k] = s
		}
	}
	return nil
}

// ToCloudEvent projects the event to CloudEvents 1.0. The contextID names
// the hosting context and is used as the source for system-injected events
// (events with no sender).
func (e *Event) ToCloudEvent(contextID string) CloudEvent {
	source := sourceContextPrefix + contextID
	if e.sender != "" {
		source = sourceAgentPrefix + e.sender.String()
	}

	contentType := DefaultContentType
	ext := map[string]string{}
	for k, v := range e.metadata {
		if k == MetaContentType {
			contentType = v
			continue
		}
		if strings.HasPrefix(k, "amcp") {
			ext[k] = v
		}
	}
	if e.correlationID != "" {
		ext[ExtCorrelationID] = e.correlationID.String()
	}

	return CloudEvent{
		SpecVersion:     SpecVersion,
		ID:              e.id.String(),
		Source:          source,
		Type:            TypePrefix + e.topic,
		Time:            e.timestamp.Format(time.RFC3339Nano),
		DataContentType: contentType,
		Data:            e.payload,
		Extensions:      ext,
	}
}

// FromCloudEvent reconstructs a mesh event from its CloudEvents 1.0
// projection, preserving the event id so that redelivery across contexts
// keeps event identity. In strict mode, missing required attributes
// (specversion, id, source, type) are rejected; otherwise only the type is
// required to recover the topic.
func FromCloudEvent(ce CloudEvent, strict bool) (*Event, error) {
	if strict {
		switch {
		case ce.SpecVersion != SpecVersion:
			return nil, amcperr.Newf(amcperr.CodeValidation,
				"event: unsupported specversion %q", ce.SpecVersion)
		case ce.ID == "":
			return nil, amcperr.New(amcperr.CodeValidation, "event: missing required attribute id")
		case ce.Source == "":
			return nil, amcperr.New(amcperr.CodeValidation, "event: missing required attribute source")
		case ce.Type == "":
			return nil, amcperr.New(amcperr.CodeValidation, "event: missing required attribute type")
		}
	}

	if !strings.HasPrefix(ce.Type, TypePrefix) {
		return nil, amcperr.Newf(amcperr.CodeValidation,
			"event: type %q does not carry the %q prefix", ce.Type, TypePrefix)
	}
	t := strings.TrimPrefix(ce.Type, TypePrefix)

	opts := []Option{}
	if ce.ID != "" {
		opts = append(opts, WithID(id.EventID(ce.ID)))
	}
	if ce.Time != "" {
		ts, err := time.Parse(time.RFC3339Nano, ce.Time)
		if err != nil {
			if strict {
				return nil, amcperr.Wrap(err, amcperr.CodeValidation,
					"event: time attribute is not RFC 3339")
			}
		} else {
			opts = append(opts, WithTimestamp(ts))
		}
	}
	if sender, ok := strings.CutPrefix(ce.Source, sourceAgentPrefix); ok {
		opts = append(opts, WithSender(id.AgentID(sender)))
	}

	meta := map[string]string{}
	if ce.DataContentType != "" && ce.DataContentType != DefaultContentType {
		meta[MetaContentType] = ce.DataContentType
	}
	for k, v := range ce.Extensions {
		if k == ExtCorrelationID {
			opts = append(opts, WithCorrelationID(id.CorrelationID(v)))
			continue
		}
		meta[k] = v
	}
	if len(meta) > 0 {
		opts = append(opts, WithMetadata(meta))
	}

	return New(t, ce.Data, opts...)
}
