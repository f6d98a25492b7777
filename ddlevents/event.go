// Package ddlevents drains the primary's Service Broker DDL queue and
// replays structural events on the replica. This channel is the only
// sanctioned path for destructive schema changes: the cloner's additive
// diffing cannot tell a rename from a drop, the event stream can.
package ddlevents

import (
	"encoding/xml"

	"github.com/pkg/errors"
)

// eventNotificationType is the Service Broker message type carrying
// EVENTDATA payloads.
const eventNotificationType = "http://schemas.microsoft.com/SQL/Notifications/EventNotification"

// Notification is the EVENTDATA document of one DDL event. For RENAME and
// index events the table lands in TargetObjectName and ObjectName carries
// the renamed column or index.
type Notification struct {
	XMLName          xml.Name `xml:"EVENT_INSTANCE"`
	EventType        string   `xml:"EventType"`
	DatabaseName     string   `xml:"DatabaseName"`
	SchemaName       string   `xml:"SchemaName"`
	ObjectName       string   `xml:"ObjectName"`
	ObjectType       string   `xml:"ObjectType"`
	TargetObjectName string   `xml:"TargetObjectName"`
	TargetObjectType string   `xml:"TargetObjectType"`
	NewObjectName    string   `xml:"NewObjectName"`
	CommandText      string   `xml:"TSQLCommand>CommandText"`
}

// ParseNotification decodes one EVENTDATA message body. The XML decoder
// handles entity-encoded command text.
func ParseNotification(body string) (*Notification, error) {
	n := &Notification{}
	if err := xml.Unmarshal([]byte(body), n); err != nil {
		return nil, errors.WithMessage(err, "parse event notification")
	}
	if n.EventType == "" {
		return nil, errors.New("event notification without EventType")
	}
	return n, nil
}

// TableName resolves the table an event applies to: TargetObjectName when
// the event targets a contained object (column rename, index), otherwise
// ObjectName.
func (n *Notification) TableName() string {
	if n.TargetObjectName != "" {
		return n.TargetObjectName
	}
	return n.ObjectName
}

func (n *Notification) SchemaOrDefault() string {
	if n.SchemaName == "" {
		return "dbo"
	}
	return n.SchemaName
}
