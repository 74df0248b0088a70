package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultCodeStringKnownValues(t *testing.T) {
	assert.Equal(t, "SUCCESS", RCSuccess.String())
	assert.Equal(t, "UNKNOWN_METRIC", RCUnknownMetric.String())
	assert.Equal(t, "ALARM_ALREADY_IN_INCIDENT", RCAlarmAlreadyInIncident.String())
}

func TestResultCodeStringUnknownValue(t *testing.T) {
	assert.Equal(t, "UNKNOWN_RESULT_CODE", ResultCode(9999).String())
}
