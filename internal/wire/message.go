// Package wire implements the length-framed binary protocol spoken
// between the agent and management servers: a fixed header followed
// by a sequence of typed fields (§3, §6 of the design spec).
package wire

import (
	"fmt"
)

// Command codes, §6 "Command vocabulary".
const (
	CmdKeepAlive              uint16 = 1
	CmdSetupAgentTunnel       uint16 = 2
	CmdResetTunnel            uint16 = 3
	CmdBindAgentTunnel        uint16 = 4
	CmdRequestCertificate     uint16 = 5
	CmdNewCertificate         uint16 = 6
	CmdAuthenticate           uint16 = 7
	CmdGetParameter           uint16 = 10
	CmdGetList                uint16 = 11
	CmdGetTable               uint16 = 12
	CmdGetParameterList       uint16 = 13
	CmdGetEnumList            uint16 = 14
	CmdGetTableList           uint16 = 15
	CmdConfigureDataColl      uint16 = 20
	CmdDCIData                uint16 = 21
	CmdCreateChannel          uint16 = 30
	CmdChannelData            uint16 = 31
	CmdCloseChannel           uint16 = 32
	CmdSetupProxyConnection   uint16 = 33
	CmdCloseTCPProxy          uint16 = 34
	CmdTCPProxyData           uint16 = 35
	CmdSNMPRequest            uint16 = 36
	CmdSNMPTrap               uint16 = 37
	CmdSyslogRecords          uint16 = 38
	CmdUploadFile             uint16 = 40
	CmdGetFile                uint16 = 41
	CmdCancelFileMonitoring   uint16 = 42
	CmdAction                 uint16 = 43
	CmdInstallPackage         uint16 = 44
	CmdDeployPolicy           uint16 = 45
	CmdUninstallPolicy        uint16 = 46
	CmdGetPolicyInventory     uint16 = 47
	CmdExecuteAITool          uint16 = 48
	CmdGetAIToolSchema        uint16 = 49
	CmdPushDCIData            uint16 = 50
	CmdRegisterSessionAgent   uint16 = 51
	CmdShutdownSessionAgent   uint16 = 52
	CmdRequestCompleted       uint16 = 99
)

// Flags, §6.
const (
	FlagBinary        uint16 = 1 << 0
	FlagEndOfSequence uint16 = 1 << 1
)

// FieldID identifies one payload field within a message.
type FieldID uint32

// FieldType tags the wire representation of a field's value.
type FieldType uint8

const (
	TypeInt16 FieldType = iota
	TypeInt32
	TypeInt64
	TypeString
	TypeGUID
	TypeBinary
	TypeTable
)

// headerSize is the fixed 16-byte header: code, flags, id, size, field-count.
const headerSize = 16

// alignment is the 8-byte alignment invariant on total message size.
const alignment = 8

// MaxMessageSize is the configured wire-size ceiling, §3. A few MiB by default.
const MaxMessageSize = 8 * 1024 * 1024

// Field is one typed payload entry.
type Field struct {
	ID    FieldID
	Type  FieldType
	Int   int64
	Str   string
	GUID  [16]byte
	Bytes []byte
	Table *Table
}

// Table is a structured multi-row field value (e.g. an SNMP table result).
type Table struct {
	Columns []string
	Rows    [][]string
}

// Message is a decoded FramedMessage: header plus typed fields.
type Message struct {
	Code    uint16
	Flags   uint16
	ID      uint32
	Fields  []Field
}

// NewMessage builds a reply/request message with the given code and
// correlation id.
func NewMessage(code uint16, id uint32) *Message {
	return &Message{Code: code, ID: id}
}

// IsBinary reports whether the MF_BINARY flag is set.
func (m *Message) IsBinary() bool { return m.Flags&FlagBinary != 0 }

// IsEndOfSequence reports whether the MF_END_OF_SEQUENCE flag is set.
func (m *Message) IsEndOfSequence() bool { return m.Flags&FlagEndOfSequence != 0 }

// SetField appends or replaces a field by id.
func (m *Message) SetField(f Field) {
	for i := range m.Fields {
		if m.Fields[i].ID == f.ID {
			m.Fields[i] = f
			return
		}
	}
	m.Fields = append(m.Fields, f)
}

func (m *Message) SetInt32(id FieldID, v int32) { m.SetField(Field{ID: id, Type: TypeInt32, Int: int64(v)}) }
func (m *Message) SetInt64(id FieldID, v int64) { m.SetField(Field{ID: id, Type: TypeInt64, Int: v}) }
func (m *Message) SetString(id FieldID, v string) {
	m.SetField(Field{ID: id, Type: TypeString, Str: v})
}
func (m *Message) SetBinary(id FieldID, v []byte) {
	m.SetField(Field{ID: id, Type: TypeBinary, Bytes: v})
}
func (m *Message) SetTable(id FieldID, t *Table) {
	m.SetField(Field{ID: id, Type: TypeTable, Table: t})
}

func (m *Message) SetGUID(id FieldID, v [16]byte) {
	m.SetField(Field{ID: id, Type: TypeGUID, GUID: v})
}

// Field looks up a field by id.
func (m *Message) Field(id FieldID) (Field, bool) {
	for _, f := range m.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (m *Message) GetString(id FieldID) string {
	f, ok := m.Field(id)
	if !ok || f.Type != TypeString {
		return ""
	}
	return f.Str
}

func (m *Message) GetInt32(id FieldID) int32 {
	f, ok := m.Field(id)
	if !ok {
		return 0
	}
	return int32(f.Int)
}

func (m *Message) GetInt64(id FieldID) int64 {
	f, ok := m.Field(id)
	if !ok {
		return 0
	}
	return f.Int
}

func (m *Message) GetBinary(id FieldID) []byte {
	f, ok := m.Field(id)
	if !ok || f.Type != TypeBinary {
		return nil
	}
	return f.Bytes
}

func (m *Message) GetGUID(id FieldID) [16]byte {
	f, ok := m.Field(id)
	if !ok || f.Type != TypeGUID {
		return [16]byte{}
	}
	return f.GUID
}

// Key returns the (code,id) correlator used by the wait-queue.
type Key struct {
	Code uint16
	ID   uint32
}

func (m *Message) Key() Key { return Key{Code: m.Code, ID: m.ID} }

func (k Key) String() string { return fmt.Sprintf("%d/%d", k.Code, k.ID) }
