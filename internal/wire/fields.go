package wire

// Field ids used by the session dispatch table (§6 "typed fields").
// Numbered in the original's VID_* style: a handful of well-known
// slots plus a base+index convention for variable-length argument
// lists (VID_NUM_ARGS / VID_ACTION_ARG_BASE+i).
const (
	VIDName       FieldID = 1
	VIDValue      FieldID = 2
	VIDRCC        FieldID = 3
	VIDArg        FieldID = 4
	VIDGUID       FieldID = 5
	VIDPath       FieldID = 6
	VIDPolicyType FieldID = 7
	VIDVersion    FieldID = 8
	VIDContent    FieldID = 9
	VIDRequestID  FieldID = 10
	VIDSecret     FieldID = 11
	VIDChannelID  FieldID = 12
	VIDTargetAddr FieldID = 13
	VIDTargetPort FieldID = 14
	VIDTimeoutMs  FieldID = 15
	VIDZoneUIN    FieldID = 16

	VIDServerID    FieldID = 17
	VIDDCIID       FieldID = 18
	VIDTimestampMs FieldID = 19
	VIDStatus      FieldID = 20
	VIDBulkFlag    FieldID = 21 // VID_BULK_RECONCILIATION
	VIDBusy        FieldID = 22

	// Tunnel setup/bind fields (§4.2), grounded on tunnel.cpp's
	// connectToServer and processBindRequest field sets.
	VIDAgentVersion   FieldID = 23
	VIDAgentID        FieldID = 24
	VIDSysName        FieldID = 25
	VIDPlatformName   FieldID = 26
	VIDSysDescription FieldID = 27
	VIDHardwareID     FieldID = 28
	VIDHostname       FieldID = 29
	VIDCountry        FieldID = 30
	VIDOrganization   FieldID = 31
	VIDCertificate    FieldID = 32
	VIDMACAddrCount   FieldID = 33
	VIDMACAddrBase    FieldID = 34
	VIDAgentBuildTag  FieldID = 35

	// Local IPC fields (§6 "local IPC"), grounded on push.cpp's
	// VID_NUM_ITEMS/VID_PUSH_DCI_DATA_BASE and sa.cpp's
	// SessionAgentConnector identity fields.
	VIDNumItems     FieldID = 36
	VIDPushItemBase FieldID = 37 // 2 fields per item: name at base+2*i, value at base+2*i+1
	VIDSessionID    FieldID = 38
	VIDUserName     FieldID = 39
	VIDClientName   FieldID = 40
	VIDUserAgentFlag FieldID = 41

	VIDNumArgs     FieldID = 100
	VIDArgBase     FieldID = 101 // VIDArgBase+i holds argument i
	VIDNumPolicies FieldID = 200
	VIDPolicyBase  FieldID = 201 // 4 fields per policy: guid/type/version/path, offset = base+4*i

	// Bulk reconciliation (§4.3): one JSON-encoded store.DataElement per
	// index at VIDElementBase+i, and the reply's per-index retry flag at
	// VIDRetryMaskBase+i.
	VIDNumElements   FieldID = 300
	VIDElementBase   FieldID = 301
	VIDRetryMaskBase FieldID = 2000
)

// SetStringList encodes a variable-length string list as a count
// field plus one field per element at base+i, the wire convention the
// original uses for ACTION arguments and bulk list replies.
func (m *Message) SetStringList(countID, base FieldID, values []string) {
	m.SetInt32(countID, int32(len(values)))
	for i, v := range values {
		m.SetString(base+FieldID(i), v)
	}
}

// GetStringList decodes a list encoded by SetStringList.
func (m *Message) GetStringList(countID, base FieldID) []string {
	n := m.GetInt32(countID)
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := int32(0); i < n; i++ {
		out = append(out, m.GetString(base+FieldID(i)))
	}
	return out
}
