// Package mobility implements strong mobility for AMCP agents: dispatch,
// clone, retract, migrate, replicate, and federate. Agent state moves with
// the agent; code never moves — both ends of a hand-off must have the
// agent's type registered with their factory registries.
//
// The [Manager] drives the migration protocol against the local
// [runtime.Context] and a [Transport] to remote contexts. The capability
// registry update is the commit point of every move: until the record
// reflects the destination, capability queries keep resolving the source.
package mobility

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/id"
	"github.com/xaviercallens/amcp-go/pkg/runtime"
)

// snapshotMagic opens every encoded snapshot.
var snapshotMagic = []byte("AMCP")

// FormatVersion is the snapshot format this build writes and the only
// version it accepts. Unknown versions are rejected with
// CodeUnsupportedSnapshot.
const FormatVersion uint16 = 1

// Snapshot is the serialized form of an agent used for mobility: the
// state, identity, subscriptions, capabilities, and security context that
// travel between contexts. The encoded form is an opaque, versioned
// binary record; its layout is a contract between contexts, not an API.
type Snapshot struct {
	// AgentID is the identity the agent keeps (dispatch, migrate,
	// retract) or the fresh identity of a copy (clone, replicate).
	AgentID id.AgentID `json:"agent_id"`

	// AgentType maps to a factory on the receiving context.
	AgentType string `json:"agent_type"`

	// State is the agent's serialized user state.
	State []byte `json:"state"`

	// Subscriptions is the agent's subscription pattern set.
	Subscriptions []runtime.SubscriptionSpec `json:"subscriptions"`

	// Capabilities is the agent's advertised capability set.
	Capabilities []string `json:"capabilities"`

	// AuthContext is the opaque security context; the receiving context
	// verifies it when a token authority is configured.
	AuthContext []byte `json:"auth_context,omitempty"`

	// Metadata carries extension attributes. Fields unknown to a
	// receiver are preserved here across decode/encode.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Timestamp is when the snapshot was taken, in UTC.
	Timestamp time.Time `json:"timestamp"`
}

// knownSnapshotFields lists the body keys this version understands;
// anything else is preserved into Metadata on decode.
var knownSnapshotFields = map[string]bool{
	"agent_id": true, "agent_type": true, "state": true,
	"subscriptions": true, "capabilities": true, "auth_context": true,
	"metadata": true, "timestamp": true,
}

// Encode serializes the snapshot: a 4-byte magic, a big-endian uint16
// format version, and the JSON body.
func (s *Snapshot) Encode() ([]byte, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return nil, amcperr.Wrap(err, amcperr.CodeMigrationSerialization,
			"mobility: snapshot body is not serializable")
	}
	var buf bytes.Buffer
	buf.Write(snapshotMagic)
	if err := binary.Write(&buf, binary.BigEndian, FormatVersion); err != nil {
		return nil, amcperr.Wrap(err, amcperr.CodeInternal,
			"mobility: snapshot header write failed")
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode parses an encoded snapshot, rejecting unknown format versions
// with CodeUnsupportedSnapshot and preserving unknown body fields as
// metadata.
func Decode(data []byte) (*Snapshot, error) {
	header := len(snapshotMagic) + 2
	if len(data) < header || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, amcperr.New(amcperr.CodeBadSnapshot,
			"mobility: data is not an agent snapshot")
	}
	version := binary.BigEndian.Uint16(data[len(snapshotMagic):header])
	if version != FormatVersion {
		return nil, amcperr.Newf(amcperr.CodeUnsupportedSnapshot,
			"mobility: snapshot format version %d is not supported", version)
	}

	body := data[header:]
	var s Snapshot
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, amcperr.Wrap(err, amcperr.CodeBadSnapshot,
			"mobility: snapshot body decode failed")
	}
	if s.AgentID == "" || s.AgentType == "" {
		return nil, amcperr.New(amcperr.CodeBadSnapshot,
			"mobility: snapshot is missing agent identity")
	}

	// Preserve extension fields a newer sender may have added.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err == nil {
		for key, value := range raw {
			if knownSnapshotFields[key] {
				continue
			}
			if s.Metadata == nil {
				s.Metadata = map[string]string{}
			}
			s.Metadata["x-"+key] = string(value)
		}
	}
	return &s, nil
}
