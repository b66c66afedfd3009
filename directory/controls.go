package directory

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

const (
	// ControlTypePersistentSearch is draft-ietf-ldapext-psearch.
	ControlTypePersistentSearch = "2.16.840.1.113730.3.4.3"
	// ControlTypeEntryChangeNotification accompanies persistent search results.
	ControlTypeEntryChangeNotification = "2.16.840.1.113730.3.4.7"
)

// Persistent search change types.
const (
	ChangeTypeAdd    = 1
	ChangeTypeDelete = 2
	ChangeTypeModify = 4
	ChangeTypeModDN  = 8
	ChangeTypeAll    = ChangeTypeAdd | ChangeTypeDelete | ChangeTypeModify | ChangeTypeModDN
)

// ControlPersistentSearch requests a persistent search.
type ControlPersistentSearch struct {
	Criticality bool
	ChangeTypes int
	ChangesOnly bool
	ReturnECs   bool
}

var _ ldap.Control = (*ControlPersistentSearch)(nil)

// NewControlPersistentSearch returns a critical control that reports every
// change type, changes only, with entry change notifications.
func NewControlPersistentSearch() *ControlPersistentSearch {
	return &ControlPersistentSearch{
		Criticality: true,
		ChangeTypes: ChangeTypeAll,
		ChangesOnly: true,
		ReturnECs:   true,
	}
}

func (c *ControlPersistentSearch) GetControlType() string {
	return ControlTypePersistentSearch
}

func (c *ControlPersistentSearch) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ControlTypePersistentSearch, "Control Type (Persistent Search)"))
	if c.Criticality {
		packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, c.Criticality, "Criticality"))
	}

	value := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "PersistentSearch")
	value.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(c.ChangeTypes), "changeTypes"))
	value.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, c.ChangesOnly, "changesOnly"))
	value.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, c.ReturnECs, "returnECs"))

	controlValue := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Control Value")
	controlValue.AppendChild(value)
	packet.AppendChild(controlValue)
	return packet
}

func (c *ControlPersistentSearch) String() string {
	return fmt.Sprintf("Control Type: %s (%q)  Criticality: %t  ChangeTypes: %d  ChangesOnly: %t  ReturnECs: %t",
		"Persistent Search", ControlTypePersistentSearch, c.Criticality, c.ChangeTypes, c.ChangesOnly, c.ReturnECs)
}

// EntryChange is a decoded entry change notification.
type EntryChange struct {
	ChangeType   int
	PreviousDN   string
	ChangeNumber int64
}

// decodeEntryChange parses the value of an entry change notification
// control, which the ldap package hands back undecoded.
func decodeEntryChange(value []byte) (EntryChange, error) {
	packet, err := ber.DecodePacketErr(value)
	if err != nil {
		return EntryChange{}, fmt.Errorf("entry change notification: %w", err)
	}
	if len(packet.Children) == 0 {
		return EntryChange{}, fmt.Errorf("entry change notification: empty sequence")
	}
	ec := EntryChange{}
	changeType, ok := packet.Children[0].Value.(int64)
	if !ok {
		return EntryChange{}, fmt.Errorf("entry change notification: changeType is %T", packet.Children[0].Value)
	}
	ec.ChangeType = int(changeType)
	for _, child := range packet.Children[1:] {
		switch v := child.Value.(type) {
		case string:
			ec.PreviousDN = v
		case int64:
			ec.ChangeNumber = v
		}
	}
	return ec, nil
}
